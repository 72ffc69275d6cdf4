package poolmem

// Debug mirrors the C allocator's DEBUG build flag. The C++ source
// compiles two binaries; this package instead reads two package-level
// variables, so the same built module can be flipped at startup.
//
// Pools read it through DefaultSettings, which copies it into
// Settings.Debug. When Debug is false, pools built from DefaultSettings
// never install per-block headers or pad
// canaries, never poison blocks, and Free performs none of its usual
// validation: it destructs and recycles the block unconditionally,
// since there is no header left to consult in the first place.
var Debug = true

// PanicOnError mirrors the EXCEPTIONS flag and is only meaningful when
// Debug is true. With PanicOnError set, every diagnostic in errors.go
// is still written to its log sink (Pool's or the Handle layer's) and
// additionally raised as a panic carrying that error value. Without it,
// Free and the Handle operations report the problem and return a
// non-nil error instead of panicking.
var PanicOnError = false
