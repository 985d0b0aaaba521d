// Package wire implements the axdaemon request/reply protocol: CBOR encoded
// messages framed by a little-endian u64 length.
// Codec and framing live here so the daemon and the CLI agree on one format.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
)

// --- Defaults ---

const (
	DefaultPort = 2334
	DefaultIP   = "127.0.0.1"
)

// --- Message Types ---

// Requests (CLI -> daemon).
const (
	TregisterVM uint8 = 1 + iota
	TbootVM
	TshutdownVM
	TlistVMs
)

// Replies (daemon -> CLI).
const (
	Rresult uint8 = 100 + iota
	Rempty
	Rvmlist
)

// --- Messages ---

// Request is a daemon request. Fields are flattened and only meaningful for
// the message types noted beside them.
type Request struct {
	Type          uint8  `cbor:"1,keyasint"`
	VMID          uint64 `cbor:"2,keyasint,omitempty"` // all but TlistVMs
	DiskImagePath string `cbor:"3,keyasint,omitempty"` // TregisterVM
}

// Reply is a daemon reply. A Rresult with Failed unset is a success.
type Reply struct {
	Type   uint8    `cbor:"1,keyasint"`
	Failed bool     `cbor:"2,keyasint,omitempty"` // Rresult
	Error  string   `cbor:"3,keyasint,omitempty"` // Rresult
	VMs    []VMInfo `cbor:"4,keyasint,omitempty"` // Rvmlist
}

// VMInfo describes one registry entry in a Rvmlist reply.
type VMInfo struct {
	VMID          uint64 `cbor:"1,keyasint"`
	DiskImagePath string `cbor:"2,keyasint"`
	State         string `cbor:"3,keyasint"`
}

// RegisterVM builds a TregisterVM request.
func RegisterVM(vmid uint64, diskImagePath string) *Request {
	return &Request{Type: TregisterVM, VMID: vmid, DiskImagePath: diskImagePath}
}

// BootVM builds a TbootVM request.
func BootVM(vmid uint64) *Request {
	return &Request{Type: TbootVM, VMID: vmid}
}

// ShutdownVM builds a TshutdownVM request.
func ShutdownVM(vmid uint64) *Request {
	return &Request{Type: TshutdownVM, VMID: vmid}
}

// ListVMs builds a TlistVMs request.
func ListVMs() *Request {
	return &Request{Type: TlistVMs}
}

// Op names the request type for logs and metrics.
func (r *Request) Op() string {
	switch r.Type {
	case TregisterVM:
		return "RegisterVM"
	case TbootVM:
		return "BootVM"
	case TshutdownVM:
		return "ShutdownVM"
	case TlistVMs:
		return "ListVMs"
	default:
		return fmt.Sprintf("Unknown(%d)", r.Type)
	}
}

func (r *Request) String() string {
	if r.Type == TregisterVM {
		return fmt.Sprintf("%s{vmid:%d, disk_image_path:%q}", r.Op(), r.VMID, r.DiskImagePath)
	}
	return fmt.Sprintf("%s{vmid:%d}", r.Op(), r.VMID)
}

// Result converts err into a Rresult reply.
func Result(err error) *Reply {
	if err != nil {
		return &Reply{Type: Rresult, Failed: true, Error: err.Error()}
	}
	return &Reply{Type: Rresult}
}

// Empty returns a Rempty reply.
func Empty() *Reply {
	return &Reply{Type: Rempty}
}

// VMList returns a Rvmlist reply.
func VMList(vms []VMInfo) *Reply {
	return &Reply{Type: Rvmlist, VMs: vms}
}

// Err returns the error carried by a failed Rresult, or nil.
func (r *Reply) Err() error {
	if r.Type == Rresult && r.Failed {
		return errors.New(r.Error)
	}
	return nil
}

func (r *Reply) String() string {
	switch r.Type {
	case Rresult:
		if r.Failed {
			return fmt.Sprintf("Result(Err(%q))", r.Error)
		}
		return "Result(Ok)"
	case Rempty:
		return "Empty"
	case Rvmlist:
		return fmt.Sprintf("VMList(%d)", len(r.VMs))
	default:
		return fmt.Sprintf("Unknown(%d)", r.Type)
	}
}

// --- Codec ---

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes a Request or Reply.
func Encode(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrInvalidData, "encode %T: %v", v, err)
	}
	return b, nil
}

// DecodeRequest parses a request payload.
func DecodeRequest(b []byte) (*Request, error) {
	req := &Request{}
	if err := decMode.Unmarshal(b, req); err != nil {
		return nil, errors.Wrapf(errdefs.ErrInvalidData, "decode request: %v", err)
	}
	switch req.Type {
	case TregisterVM, TbootVM, TshutdownVM, TlistVMs:
	default:
		return nil, errors.Wrapf(errdefs.ErrInvalidData, "decode request: unknown type %d", req.Type)
	}
	return req, nil
}

// DecodeReply parses a reply payload.
func DecodeReply(b []byte) (*Reply, error) {
	rep := &Reply{}
	if err := decMode.Unmarshal(b, rep); err != nil {
		return nil, errors.Wrapf(errdefs.ErrInvalidData, "decode reply: %v", err)
	}
	switch rep.Type {
	case Rresult, Rempty, Rvmlist:
	default:
		return nil, errors.Wrapf(errdefs.ErrInvalidData, "decode reply: unknown type %d", rep.Type)
	}
	return rep, nil
}
