package server_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestEndToEndScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Server/Client end-to-end scenarios (spec.md §8)")
}
