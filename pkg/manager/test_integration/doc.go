// Package test_integration holds end-to-end tests that build and run the
// mock binary. They need the testutils build tag and RUN_INTEGRATION_TESTS=1.
package test_integration
