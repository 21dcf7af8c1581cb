package pump

// Display geometry constants (spec §3, §4.9).
const (
	displayWidth    = 96
	displayHeight   = 32
	displayRowBytes = 96 // one row-group payload: 96 bytes, 8 vertical pixels each
	rowsPerGroup    = 4
	bitsPerRowByte  = 8
)

// rowsCompleteMask is the bitmask value reached once all four rows of a
// group have arrived (spec §4.9: "bitmask reaches 0b1111").
const rowsCompleteMask = 0b1111

// DisplayFrame is a fully assembled 96x32 monochrome remote-terminal
// frame (spec §3, §4.9). The on-wire row-major byte layout is kept
// internally; callers read pixels through PixelAt rather than depending
// on the storage representation (spec §9, Design Notes).
type DisplayFrame struct {
	rows [rowsPerGroup][displayRowBytes]byte
}

// PixelAt reports whether the pixel at (x, y) is set. x is in
// [0, displayWidth), y is in [0, displayHeight).
func (f *DisplayFrame) PixelAt(x, y int) bool {
	if x < 0 || x >= displayWidth || y < 0 || y >= displayHeight {
		return false
	}

	group := y / bitsPerRowByte
	bit := y % bitsPerRowByte

	return f.rows[group][x]&(1<<uint(bit)) != 0
}

// DisplayAssembler reassembles DisplayFrame values from a stream of
// indexed row payloads, tolerant of reordering and dropped rows
// (spec §4.9).
type DisplayAssembler struct {
	haveIndex  bool
	indexGroup byte
	present    byte // 4-bit rows-present bitmask
	rows       [rowsPerGroup][displayRowBytes]byte
}

// NewDisplayAssembler constructs an empty assembler.
func NewDisplayAssembler() *DisplayAssembler {
	return &DisplayAssembler{}
}

// Push feeds one row arrival into the assembler. It returns a completed
// frame and true once all four rows of the current index group have
// arrived; otherwise it returns (nil, false).
//
// A new index resets the bitmask (spec §4.9: "On arrival with a new
// index different from indexGroup: reset the bitmask"). Within a group,
// re-arrival of an already-seen row replaces the data, last-writer-wins,
// without regressing the bitmask.
func (a *DisplayAssembler) Push(row *RTDisplayRow) (*DisplayFrame, bool) {
	if !a.haveIndex || row.Index != a.indexGroup {
		a.haveIndex = true
		a.indexGroup = row.Index
		a.present = 0
	}

	if row.Row >= rowsPerGroup {
		return nil, false
	}

	a.rows[row.Row] = row.Pixels
	a.present |= 1 << row.Row

	if a.present != rowsCompleteMask {
		return nil, false
	}

	frame := &DisplayFrame{rows: a.rows}
	a.present = 0

	return frame, true
}
