// Package wasmtest provides tiny hand-assembled WebAssembly binaries for
// exercising the sandbox without a guest toolchain. Each module is spelled
// out section by section so a reader can verify it against the wasm
// binary grammar.
package wasmtest

// concat joins byte slices into a single binary.
func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// header is the module preamble: magic "\0asm" and version 1.
var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// EmptyModule is a valid module with no imports, exports or code.
// Instantiating it runs nothing and succeeds.
func EmptyModule() []byte {
	return append([]byte(nil), header...)
}

// TrapModule exports a _start that immediately executes unreachable.
func TrapModule() []byte {
	return concat(header,
		// type: () -> ()
		[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
		// function: one func of type 0
		[]byte{0x03, 0x02, 0x01, 0x00},
		// export: "_start" -> func 0
		[]byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00},
		// code: unreachable; end
		[]byte{0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b},
	)
}

// LoopModule exports a _start that spins forever (loop; br 0). Used to
// verify deadline enforcement.
func LoopModule() []byte {
	return concat(header,
		[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
		[]byte{0x03, 0x02, 0x01, 0x00},
		[]byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00},
		// code: loop; br 0; end; end
		[]byte{0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b},
	)
}

var wasiModuleName = []byte{
	0x16, // 22 bytes
	'w', 'a', 's', 'i', '_', 's', 'n', 'a', 'p', 's', 'h', 'o', 't',
	'_', 'p', 'r', 'e', 'v', 'i', 'e', 'w', '1',
}

// ExitModule exports a _start that calls wasi proc_exit with the given
// status code.
func ExitModule(code byte) []byte {
	return concat(header,
		// types: (i32) -> () and () -> ()
		[]byte{0x01, 0x08, 0x02, 0x60, 0x01, 0x7f, 0x00, 0x60, 0x00, 0x00},
		// import: wasi_snapshot_preview1.proc_exit as func type 0
		concat(
			[]byte{0x02, 0x24, 0x01},
			wasiModuleName,
			[]byte{0x09, 'p', 'r', 'o', 'c', '_', 'e', 'x', 'i', 't', 0x00, 0x00},
		),
		// function: one func of type 1 (index 1, after the import)
		[]byte{0x03, 0x02, 0x01, 0x01},
		[]byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01},
		// code: i32.const code; call 0; end
		[]byte{0x0a, 0x08, 0x01, 0x06, 0x00, 0x41, code, 0x10, 0x00, 0x0b},
	)
}

// EchoModule exports a _start that writes "ok" to stdout via fd_write and
// returns normally. Linear memory holds the iovec at offset 0 and the
// message at offset 8.
func EchoModule() []byte {
	return concat(header,
		// types: (i32,i32,i32,i32) -> (i32) and () -> ()
		[]byte{0x01, 0x0c, 0x02, 0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00},
		// import: wasi_snapshot_preview1.fd_write as func type 0
		concat(
			[]byte{0x02, 0x23, 0x01},
			wasiModuleName,
			[]byte{0x08, 'f', 'd', '_', 'w', 'r', 'i', 't', 'e', 0x00, 0x00},
		),
		// function: one func of type 1
		[]byte{0x03, 0x02, 0x01, 0x01},
		// memory: one memory, min 1 page
		[]byte{0x05, 0x03, 0x01, 0x00, 0x01},
		// exports: "memory" -> mem 0, "_start" -> func 1
		[]byte{
			0x07, 0x13, 0x02,
			0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
			0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01,
		},
		// code: fd_write(1, 0, 1, 12); drop; end
		[]byte{
			0x0a, 0x0f, 0x01, 0x0d, 0x00,
			0x41, 0x01, // fd = stdout
			0x41, 0x00, // iovs ptr
			0x41, 0x01, // iovs len
			0x41, 0x0c, // nwritten ptr
			0x10, 0x00, // call fd_write
			0x1a, 0x0b, // drop; end
		},
		// data at offset 0: iovec {base: 8, len: 2} followed by "ok"
		[]byte{
			0x0b, 0x10, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x0a,
			0x08, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00,
			'o', 'k',
		},
	)
}

// EchoOutput is the stdout EchoModule produces.
const EchoOutput = "ok"

// EchoTrapModule writes "ok" to stdout like EchoModule and then executes
// unreachable, so the run produces output but does not complete.
func EchoTrapModule() []byte {
	return concat(header,
		[]byte{0x01, 0x0c, 0x02, 0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00},
		concat(
			[]byte{0x02, 0x23, 0x01},
			wasiModuleName,
			[]byte{0x08, 'f', 'd', '_', 'w', 'r', 'i', 't', 'e', 0x00, 0x00},
		),
		[]byte{0x03, 0x02, 0x01, 0x01},
		[]byte{0x05, 0x03, 0x01, 0x00, 0x01},
		[]byte{
			0x07, 0x13, 0x02,
			0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
			0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01,
		},
		// code: fd_write(1, 0, 1, 12); drop; unreachable; end
		[]byte{
			0x0a, 0x10, 0x01, 0x0e, 0x00,
			0x41, 0x01,
			0x41, 0x00,
			0x41, 0x01,
			0x41, 0x0c,
			0x10, 0x00,
			0x1a, 0x00, 0x0b,
		},
		[]byte{
			0x0b, 0x10, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x0a,
			0x08, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00,
			'o', 'k',
		},
	)
}
