package e2e

import (
	"github.com/cucumber/godog"

	"linkage/e2e/steps/common"
	"linkage/e2e/steps/identify"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)
	identify.RegisterSteps(ctx, tc)
}
