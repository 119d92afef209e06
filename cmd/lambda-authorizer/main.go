// Package main is the entry point for the access grant authorizer.
package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	recoveryhandler "github.com/byteness/mfa-recovery/lambda"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	authorizer, err := recoveryhandler.NewGrantAuthorizerFromEnv(context.Background())
	if err != nil {
		log.Fatalf("failed to configure authorizer: %v", err)
	}
	lambda.Start(authorizer.HandleRequest)
}
