package main

import (
	"os"

	"github.com/solatis/surveykeeper/cmd/surveykeeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
