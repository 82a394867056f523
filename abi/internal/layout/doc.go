// Package layout computes C struct layouts for interpreter ABI records.
//
// Records are ordered field lists. Each field is a scalar whose width depends
// on the platform data model, or a nested record. Offsets follow the C rules
// every supported compiler uses for these structs:
//   - Scalars: size equals alignment
//   - Records: fields laid out in order, each aligned to its own alignment
//   - Trailing padding rounds the size up to the largest field alignment
//
// # Usage
//
//	calc := layout.NewCalculator(layout.LP64)
//	info := calc.Record("PyObject", fields)
//	off, _ := info.Offset("ob_type")
//
// This package is internal to abi.
package layout
