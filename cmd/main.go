package main

import (
	"os"

	"github.com/6chenhua/research-agent-backend/cmd/researchd"
)

func main() {
	if err := researchd.Execute(); err != nil {
		os.Exit(1)
	}
}
