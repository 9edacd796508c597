package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/automerge/automerge-go"
	"google.golang.org/protobuf/encoding/protowire"
)

// Replica is the replicated text primitive a Document drives. Implementations are not required to be safe for
// concurrent use; Document serialises every call.
type Replica interface {
	// ApplyUpdate merges an update and returns the part of it that was new to this replica (empty if nothing was).
	ApplyUpdate(update []byte) ([]byte, error)
	// EncodeStateAsUpdate returns the delta a replica at stateVector needs to converge with this one. A nil state
	// vector yields the full state.
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)
	EncodeStateVector() []byte
	// Heads identifies the current version, for logs and events.
	Heads() []string
	Text() (string, error)
	// Splice deletes del characters at pos, inserts text there and returns the resulting update.
	Splice(pos, del int, text string) ([]byte, error)
	Save() []byte
}

var (
	ErrMalformedUpdate      = errors.New("malformed update")
	ErrMalformedStateVector = errors.New("malformed state vector")
	ErrNoContent            = errors.New("document has no text content yet")
	ErrClosed               = errors.New("document closed")
)

const (
	contentKey  = "content"
	changeField = protowire.Number(1)

	// state vector: repeated clock entries of {actor, seq}
	clockField = protowire.Number(1)
	actorField = protowire.Number(1)
	seqField   = protowire.Number(2)

	chunkChecksumSize         = 4
	chunkTypeChange           = 1
	chunkTypeCompressedChange = 2
)

var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

// magic, checksum, chunk type and at least one length byte
var chunkHeaderSize = len(chunkMagic) + chunkChecksumSize + 2

type automergeReplica struct {
	doc *automerge.Doc
}

func newAutomergeReplica(seed string) (*automergeReplica, error) {
	r := &automergeReplica{doc: automerge.New()}
	if err := r.doc.Path(contentKey).Set(automerge.NewText(seed)); err != nil {
		return nil, fmt.Errorf("failed to seed text: %w", err)
	}
	if _, err := r.doc.Commit("seed"); err != nil {
		return nil, fmt.Errorf("failed to commit seed: %w", err)
	}
	return r, nil
}

func newAutomergeDoc() *automerge.Doc {
	return automerge.New()
}

func loadAutomergeReplica(state []byte) (*automergeReplica, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return &automergeReplica{doc: doc}, nil
}

func (r *automergeReplica) ApplyUpdate(update []byte) ([]byte, error) {
	var raw []byte
	for b := update; len(b) > 0; {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]
		if num != changeField || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: unexpected field %d", ErrMalformedUpdate, num)
		}
		chunk, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]
		if err := checkChangeChunk(chunk); err != nil {
			return nil, err
		}
		raw = append(raw, chunk...)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	// changes whose dependencies are missing are queued by automerge and applied once those arrive
	before := r.doc.Heads()
	if err := r.doc.LoadIncremental(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return r.changesSince(before)
}

// EncodeStateAsUpdate returns exactly the changes whose actor sequence number is above what the state vector
// records for that actor.
func (r *automergeReplica) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	seen, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	all, err := r.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	missing := make([]*automerge.Change, 0, len(all))
	for _, c := range all {
		if c.ActorSeq() > seen[c.ActorID()] {
			missing = append(missing, c)
		}
	}
	return encodeChanges(missing), nil
}

// EncodeStateVector lists the highest sequence number applied per actor. An actor's changes form a chain, so this
// identifies every change the replica holds.
func (r *automergeReplica) EncodeStateVector() []byte {
	all, err := r.doc.Changes()
	if err != nil {
		return nil
	}
	seqs := make(map[string]uint64)
	for _, c := range all {
		if seq := c.ActorSeq(); seq > seqs[c.ActorID()] {
			seqs[c.ActorID()] = seq
		}
	}
	actors := make([]string, 0, len(seqs))
	for actor := range seqs {
		actors = append(actors, actor)
	}
	slices.Sort(actors)

	var out []byte
	for _, actor := range actors {
		id, err := hex.DecodeString(actor)
		if err != nil {
			continue
		}
		var entry []byte
		entry = protowire.AppendTag(entry, actorField, protowire.BytesType)
		entry = protowire.AppendBytes(entry, id)
		entry = protowire.AppendTag(entry, seqField, protowire.VarintType)
		entry = protowire.AppendVarint(entry, seqs[actor])
		out = protowire.AppendTag(out, clockField, protowire.BytesType)
		out = protowire.AppendBytes(out, entry)
	}
	return out
}

// Heads returns the hex hashes of the current heads.
func (r *automergeReplica) Heads() []string {
	heads := r.doc.Heads()
	out := make([]string, 0, len(heads))
	for _, h := range heads {
		out = append(out, h.String())
	}
	return out
}

func (r *automergeReplica) Text() (string, error) {
	v, err := r.doc.Path(contentKey).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return "", nil
	}
	return v.Text().Get()
}

func (r *automergeReplica) Splice(pos, del int, text string) ([]byte, error) {
	v, err := r.doc.Path(contentKey).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return nil, ErrNoContent
	}
	before := r.doc.Heads()
	if err := v.Text().Splice(pos, del, text); err != nil {
		return nil, fmt.Errorf("failed to splice: %w", err)
	}
	if _, err := r.doc.Commit("splice"); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return r.changesSince(before)
}

func (r *automergeReplica) Save() []byte {
	return r.doc.Save()
}

func (r *automergeReplica) changesSince(heads []automerge.ChangeHash) ([]byte, error) {
	changes, err := r.doc.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	return encodeChanges(changes), nil
}

func encodeChanges(changes []*automerge.Change) []byte {
	var out []byte
	for _, c := range changes {
		out = protowire.AppendTag(out, changeField, protowire.BytesType)
		out = protowire.AppendBytes(out, c.Save())
	}
	return out
}

// checkChangeChunk verifies the framing of one stored change: magic bytes, chunk type, length and, for
// uncompressed changes, the checksum. Automerge skips chunks it cannot parse without failing, so this is where
// corrupt updates get caught.
func checkChangeChunk(chunk []byte) error {
	if len(chunk) < chunkHeaderSize || !bytes.Equal(chunk[:len(chunkMagic)], chunkMagic) {
		return fmt.Errorf("%w: not a change chunk", ErrMalformedUpdate)
	}
	body := chunk[len(chunkMagic)+chunkChecksumSize:]
	kind := body[0]
	if kind != chunkTypeChange && kind != chunkTypeCompressedChange {
		return fmt.Errorf("%w: unexpected chunk type %d", ErrMalformedUpdate, kind)
	}
	length, n := protowire.ConsumeVarint(body[1:])
	if n < 0 || uint64(len(body)-1-n) != length {
		return fmt.Errorf("%w: bad chunk length", ErrMalformedUpdate)
	}
	if kind == chunkTypeChange {
		sum := sha256.Sum256(body)
		if !bytes.Equal(sum[:chunkChecksumSize], chunk[len(chunkMagic):len(chunkMagic)+chunkChecksumSize]) {
			return fmt.Errorf("%w: checksum mismatch", ErrMalformedUpdate)
		}
	}
	return nil
}

func decodeStateVector(stateVector []byte) (map[string]uint64, error) {
	seen := make(map[string]uint64)
	for b := stateVector; len(b) > 0; {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || num != clockField || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: unexpected field", ErrMalformedStateVector)
		}
		b = b[n:]
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
		}
		b = b[n:]
		actor, seq, err := decodeClockEntry(entry)
		if err != nil {
			return nil, err
		}
		seen[actor] = max(seen[actor], seq)
	}
	return seen, nil
}

func decodeClockEntry(entry []byte) (string, uint64, error) {
	var actor []byte
	var seq uint64
	for len(entry) > 0 {
		num, typ, n := protowire.ConsumeTag(entry)
		if n < 0 {
			return "", 0, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
		}
		entry = entry[n:]
		switch {
		case num == actorField && typ == protowire.BytesType:
			actor, n = protowire.ConsumeBytes(entry)
		case num == seqField && typ == protowire.VarintType:
			seq, n = protowire.ConsumeVarint(entry)
		default:
			return "", 0, fmt.Errorf("%w: unexpected field %d", ErrMalformedStateVector, num)
		}
		if n < 0 {
			return "", 0, fmt.Errorf("%w: %v", ErrMalformedStateVector, protowire.ParseError(n))
		}
		entry = entry[n:]
	}
	if len(actor) == 0 {
		return "", 0, fmt.Errorf("%w: missing actor", ErrMalformedStateVector)
	}
	return hex.EncodeToString(actor), seq, nil
}
