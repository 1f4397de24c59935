//go:build bdtdebug

package bdt

const debugOwnership = true
