package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/okian/receiptreward/internal/receiptcli"
	"github.com/okian/receiptreward/pkg/logger"
)

const defaultTimeout = 3 * time.Minute

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:9080", "Base URL of the service")
		image   = flag.String("image", "", "Path to the receipt image")
		address = flag.String("address", "", "Wallet address to reward")
		device  = flag.String("device", "", "Device identifier")
		captcha = flag.String("captcha", "", "reCAPTCHA token")
		timeout = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		help    = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		receiptcli.ShowHelp(os.Stdout)
		return
	}

	if err := logger.Init(logger.WithOutput(os.Stderr)); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	cfg := &receiptcli.Config{
		BaseURL:      *baseURL,
		ImagePath:    *image,
		Address:      *address,
		DeviceID:     *device,
		CaptchaToken: *captcha,
		Timeout:      *timeout,
	}

	if err := receiptcli.Run(context.Background(), cfg, os.Stdout); err != nil {
		os.Stderr.WriteString("submission failed: " + err.Error() + "\n")
		if errors.Is(err, receiptcli.ErrUsage) {
			receiptcli.ShowHelp(os.Stderr)
			os.Exit(2)
		}
		os.Exit(1)
	}
}
