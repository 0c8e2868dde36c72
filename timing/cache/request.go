package cache

// Op is the snoop opcode of a request.
type Op uint8

// Request opcodes. Reads allocate; WriteBack writes the line (a store from
// a core, or a dirty victim from a child cache).
const (
	OpNone Op = iota
	ReadShared
	ReadUnique
	WriteBack
)

func (o Op) String() string {
	switch o {
	case ReadShared:
		return "ReadShared"
	case ReadUnique:
		return "ReadUnique"
	case WriteBack:
		return "WriteBack"
	}
	return "None"
}

// IsWrite reports whether the request modifies the line.
func (o Op) IsWrite() bool {
	return o == WriteBack
}

// Request is one access travelling down the hierarchy. Completion is
// reported by the IDs tag only, so the tag must be unique among the
// requests outstanding on one port.
type Request struct {
	Addr uint64
	Size int
	Op   Op
	IDs  [4]uint16
}

// Tagv is the state of the line involved in a completion.
type Tagv struct {
	Tag    uint64
	Valid  bool
	Shared bool
	Dirty  bool
}

// Callback is invoked when a request completes.
type Callback func(ids [4]uint16, tagv Tagv)

// Port is the lookup side of a cache or memory. Lookup returns false when
// the request cannot be accepted this tick; the caller retries later.
type Port interface {
	Lookup(callbackID int, req *Request) bool
	AddCallback(cb Callback) int
}
