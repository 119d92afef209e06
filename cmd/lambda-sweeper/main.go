// Package main is the entry point for the scheduled expiry sweep.
package main

import (
	"github.com/aws/aws-lambda-go/lambda"

	recoveryhandler "github.com/byteness/mfa-recovery/lambda"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	sweeper := recoveryhandler.NewSweeper(nil)
	lambda.Start(sweeper.HandleRequest)
}
