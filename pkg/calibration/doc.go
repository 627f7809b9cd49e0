// Package calibration defines the types used by the RC oscillator calibration
// workflow. It contains:
//
//   - Params: the calibration constants (frequencies, register layout, policy)
//   - Method: the search strategy selected at configuration time
//   - Phase: the steps of the search state machine
//   - Outcome and Result: what a calibration session reports to its caller
//
// These types are shared across calibrator, daemon, client and CLI code to
// avoid duplicate definitions and keep JSON contracts consistent.
package calibration
