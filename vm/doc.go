// Package vm implements the Ember virtual machine.
//
// This package contains:
//   - NaN-boxed value representation
//   - Object layout and slot access
//   - Bytecode interpreter and primitive classes
//   - Global execution lock with blocking regions and interrupts
//   - Event hook registry and tracepoints
//   - Postponed jobs drained at interpreter safe points
package vm
