package ledger

// RewardsContractABI is the slice of the rewards contract the gateway calls.
const RewardsContractABI = `[
  {
    "type": "function",
    "name": "isUserMaxSubmissionsReached",
    "stateMutability": "view",
    "inputs": [{"name": "user", "type": "address"}],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "type": "function",
    "name": "registerValidSubmission",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "user", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  }
]`

const (
	methodQuota  = "isUserMaxSubmissionsReached"
	methodReward = "registerValidSubmission"
)
