// Package testutil provides unit sources shared by package tests.
package testutil

import "fmt"

// MultiplyJS returns a unit defining symbol with perform_multiplication.
func MultiplyJS(symbol string) string {
	return fmt.Sprintf(`class %s {
  constructor(a, b) {
    this.a = a;
    this.b = b;
  }
  perform_multiplication() {
    return this.a * this.b;
  }
}
`, symbol)
}

// OffsetMultiplyJS is MultiplyJS with offset added to the result, useful to
// tell two versions of a unit apart.
func OffsetMultiplyJS(symbol string, offset int) string {
	return fmt.Sprintf(`class %s {
  constructor(a, b) {
    this.a = a;
    this.b = b;
  }
  perform_multiplication() {
    return this.a * this.b + %d;
  }
}
`, symbol, offset)
}

// DivideJS returns a unit defining symbol with perform_division.
func DivideJS(symbol string) string {
	return fmt.Sprintf(`class %s {
  constructor(a, b) {
    this.a = a;
    this.b = b;
  }
  perform_division() {
    return this.a / this.b;
  }
}
`, symbol)
}

// BothJS declares division before multiplication so that dispatch order,
// not declaration order, decides which one runs.
func BothJS(symbol string) string {
	return fmt.Sprintf(`class %s {
  constructor(a, b) {
    this.a = a;
    this.b = b;
  }
  perform_division() {
    return this.a / this.b;
  }
  perform_multiplication() {
    return this.a * this.b;
  }
}
`, symbol)
}

// AssignedMultiplyJS is a plain constructor function that attaches
// perform_multiplication to each new object instead of its prototype.
func AssignedMultiplyJS(symbol string) string {
	return fmt.Sprintf(`function %s(a, b) {
  this.perform_multiplication = function () {
    return a * b;
  };
}
`, symbol)
}

// SpinJS returns a unit whose multiplication never finishes.
func SpinJS(symbol string) string {
	return fmt.Sprintf(`class %s {
  constructor() {}
  perform_multiplication() {
    while (true) {}
  }
}
`, symbol)
}

// WASM opcodes for binary f64 operations.
const (
	OpAdd byte = 0xa0
	OpSub byte = 0xa1
	OpMul byte = 0xa2
	OpDiv byte = 0xa3
)

// WASMExport names a (f64, f64) -> f64 function applying Op to its params.
type WASMExport struct {
	Name string
	Op   byte
}

// WASMBinary assembles a module exporting one function per export.
func WASMBinary(exports ...WASMExport) []byte {
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	section := func(id byte, content []byte) {
		b = append(b, id)
		b = appendULEB(b, uint32(len(content)))
		b = append(b, content...)
	}
	n := uint32(len(exports))

	// type 0: (f64, f64) -> f64
	section(0x01, []byte{0x01, 0x60, 0x02, 0x7c, 0x7c, 0x01, 0x7c})

	funcs := appendULEB(nil, n)
	for range exports {
		funcs = append(funcs, 0x00)
	}
	section(0x03, funcs)

	exp := appendULEB(nil, n)
	for i, e := range exports {
		exp = appendULEB(exp, uint32(len(e.Name)))
		exp = append(exp, e.Name...)
		exp = append(exp, 0x00)
		exp = appendULEB(exp, uint32(i))
	}
	section(0x07, exp)

	code := appendULEB(nil, n)
	for _, e := range exports {
		body := []byte{0x00, 0x20, 0x00, 0x20, 0x01, e.Op, 0x0b}
		code = appendULEB(code, uint32(len(body)))
		code = append(code, body...)
	}
	section(0x0a, code)

	return b
}

func appendULEB(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}
