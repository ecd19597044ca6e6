// Package vm implements the ana bytecode virtual machine.
//
// This package contains:
//   - The opcode table and a Builder for constructing programs
//   - Function table loading with typed lowering of operands
//   - A fixed-capacity linear heap with first-fit allocation
//   - A stop-the-world mark-and-sweep collector rooted in array variables
//   - Stack frames, the call stack and the dispatch loop
//
// The collector trusts that heap offsets only ever live in array variables.
// A base offset copied into a scalar variable is not a root.
package vm
