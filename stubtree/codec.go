package stubtree

import (
	"errors"
	"fmt"

	"github.com/drpcorg/stubindex/enumerator"
	"github.com/drpcorg/stubindex/registry"
	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/stubio"
)

func errBadName(id int) error {
	return fmt.Errorf("%w: name id %d is not in the dictionary", stub_errors.ErrMalformed, id)
}

// Codec turns stub trees into self-contained byte blobs and back.
// It is safe for concurrent use; every call has its own dictionary.
type Codec struct {
	registry *registry.Registry[Kind]
	intern   func(string) string
}

// NewCodec creates a codec over the registry. intern, if set, is applied to
// every dictionary string on decode.
func NewCodec(reg *registry.Registry[Kind], intern func(string) string) *Codec {
	return &Codec{registry: reg, intern: intern}
}

func (c *Codec) Registry() *registry.Registry[Kind] {
	return c.registry
}

func (c *Codec) Serialize(root Stub) ([]byte, error) {
	return c.SerializeRoots([]Stub{root})
}

// SerializeRoots writes several trees sharing one dictionary.
func (c *Codec) SerializeRoots(roots []Stub) ([]byte, error) {
	names := enumerator.New[string]()
	body := stubio.NewWriter(256)
	out := &Output{w: body, names: names}
	body.WriteInt(len(roots))
	for _, root := range roots {
		if err := c.writeStub(out, root); err != nil {
			return nil, err
		}
	}
	blob := stubio.NewWriter(body.Len() + 8*names.Len() + 4)
	enumerator.WriteStrings(blob, names)
	blob.WriteRaw(body.Bytes())
	return blob.Bytes(), nil
}

func (c *Codec) writeStub(out *Output, stub Stub) error {
	if stub == nil {
		out.w.WriteInt(0)
		return nil
	}
	kind := stub.Kind()
	id, ok := c.registry.IDOf(kind.ExternalID())
	if !ok {
		return fmt.Errorf("%w: %q", stub_errors.ErrKindNotRegistered, kind.ExternalID())
	}
	out.w.WriteInt(id)
	if err := kind.Write(stub, out); err != nil {
		return fmt.Errorf("write %q payload: %w", kind.ExternalID(), err)
	}
	children := stub.Children()
	out.w.WriteInt(len(children))
	for _, child := range children {
		if err := c.writeStub(out, child); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads a single-root blob. diagnostic ends up in any
// SerializerNotFoundError so the failing file can be identified.
func (c *Codec) Deserialize(data []byte, diagnostic string) (Stub, error) {
	roots, err := c.DeserializeRoots(data, diagnostic)
	if err != nil {
		return nil, err
	}
	if len(roots) != 1 {
		return nil, fmt.Errorf("%w: expected one root, got %d", stub_errors.ErrMalformed, len(roots))
	}
	return roots[0], nil
}

// DeserializeRoots reads a blob written by SerializeRoots. It fails with
// either stub_errors.ErrMalformed or a *stub_errors.SerializerNotFoundError.
func (c *Codec) DeserializeRoots(data []byte, diagnostic string) ([]Stub, error) {
	r := stubio.NewReader(data)
	names, err := enumerator.ReadStrings(r, c.intern)
	if err != nil {
		return nil, stub_errors.Malformed(err)
	}
	n, err := r.ReadCount()
	if err != nil {
		return nil, err
	}
	in := &Input{r: r, names: names}
	roots := make([]Stub, 0, n)
	for i := 0; i < n; i++ {
		root, err := c.readStub(in, nil, diagnostic)
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	if err := r.ExpectEnd(); err != nil {
		return nil, err
	}
	return roots, nil
}

func (c *Codec) readStub(in *Input, parent Stub, diagnostic string) (Stub, error) {
	id, err := in.r.ReadInt()
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, nil
	}
	if id < 0 {
		return nil, fmt.Errorf("%w: negative serializer id %d", stub_errors.ErrMalformed, id)
	}
	kind, err := c.registry.KindByID(id, diagnostic)
	if err != nil {
		return nil, err
	}
	stub, err := kind.Read(in, parent)
	if err != nil {
		if errors.Is(err, stub_errors.ErrSerializerNotFound) {
			return nil, err
		}
		return nil, stub_errors.Malformed(fmt.Errorf("read %q payload: %w", kind.ExternalID(), err))
	}
	if stub == nil {
		return nil, fmt.Errorf("%w: kind %q produced no stub", stub_errors.ErrMalformed, kind.ExternalID())
	}
	count, err := in.r.ReadCount()
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		child, err := c.readStub(in, stub, diagnostic)
		if err != nil {
			return nil, err
		}
		if child != nil {
			stub.AppendChild(child)
		}
	}
	return stub, nil
}
