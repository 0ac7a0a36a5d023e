// Package types defines the shared domain vocabulary of the estimation
// engine: quantities with units and uncertainties, substances and
// thermodynamic states, physical properties and the structured error
// records which flow through distributed execution.
package types
