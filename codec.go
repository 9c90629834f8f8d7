package spanz

import (
	"encoding/base64"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// Wire format V1.
//
//	"1001"
//	<name>,<name>,...,\n
//	<scope>,<scope>,...,\n
//	<base64 of 36-byte little-endian span records>
const (
	Version    = "1001"
	RecordSize = 36

	tokenDelim = ','
	lineDelim  = '\n'

	scopeRegistryCapacity = 1000
)

var (
	ErrInvalidToken = errors.New("token contains a wire delimiter")
	ErrUnknownName  = errors.New("span references an unknown name id")
	ErrVersion      = errors.New("unsupported wire format version")
	ErrMalformed    = errors.New("malformed payload")
)

// ValidToken reports whether s can be written as a table token.
func ValidToken(s string) bool {
	return !strings.ContainsAny(s, ",\n")
}

// Encode renders spans and the id-ordered name table as a V1 payload.
// Scope ids are assigned per call in first-seen order. Encode does not
// modify its inputs.
func Encode(spans []SpanEvent, names []string) (string, error) {
	scopeIDs := make(map[string]uint32, scopeRegistryCapacity)
	scopes := make([]string, 0, scopeRegistryCapacity)

	records := bytebufferpool.Get()
	defer bytebufferpool.Put(records)

	var rec [RecordSize]byte
	for i := range spans {
		span := &spans[i]
		if int(span.NameID) >= len(names) {
			return "", errors.Wrapf(ErrUnknownName, "span %d name id %d of %d", span.SpanID, span.NameID, len(names))
		}
		scopeID, ok := scopeIDs[span.Scope]
		if !ok {
			if !ValidToken(span.Scope) {
				return "", errors.Wrapf(ErrInvalidToken, "scope %q", span.Scope)
			}
			scopeID = uint32(len(scopes))
			scopeIDs[span.Scope] = scopeID
			scopes = append(scopes, span.Scope)
		}
		putRecord(rec[:], span, scopeID)
		_, _ = records.Write(rec[:])
	}

	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)

	_, _ = out.WriteString(Version)
	for i, name := range names {
		if !ValidToken(name) {
			return "", errors.Wrapf(ErrInvalidToken, "name %d %q", i, name)
		}
		_, _ = out.WriteString(name)
		_ = out.WriteByte(tokenDelim)
	}
	_ = out.WriteByte(lineDelim)
	for _, scope := range scopes {
		_, _ = out.WriteString(scope)
		_ = out.WriteByte(tokenDelim)
	}
	_ = out.WriteByte(lineDelim)

	enc := base64.NewEncoder(base64.StdEncoding, out)
	_, _ = enc.Write(records.B)
	_ = enc.Close()

	return out.String(), nil
}

func putRecord(b []byte, span *SpanEvent, scopeID uint32) {
	binary.LittleEndian.PutUint64(b[0:], span.SpanID)
	binary.LittleEndian.PutUint64(b[8:], span.ParentID)
	binary.LittleEndian.PutUint32(b[16:], span.NameID)
	binary.LittleEndian.PutUint32(b[20:], scopeID)
	binary.LittleEndian.PutUint64(b[24:], span.Duration.Seconds)
	binary.LittleEndian.PutUint32(b[32:], span.Duration.Nanos)
}

// DecodedSpan is one span record resolved against its payload's tables.
type DecodedSpan struct {
	Name     string
	Scope    string
	Duration Duration
	SpanID   uint64
	ParentID uint64
	NameID   uint32
	ScopeID  uint32
}

// Event returns the span as the SpanEvent it was encoded from.
func (d DecodedSpan) Event() SpanEvent {
	return SpanEvent{
		SpanID:   d.SpanID,
		ParentID: d.ParentID,
		NameID:   d.NameID,
		Scope:    d.Scope,
		Duration: d.Duration,
	}
}

// Snapshot is a decoded V1 payload.
type Snapshot struct {
	Names  []string
	Scopes []string
	Spans  []DecodedSpan
}

// Events returns the spans in payload order.
func (s *Snapshot) Events() []SpanEvent {
	events := make([]SpanEvent, len(s.Spans))
	for i := range s.Spans {
		events[i] = s.Spans[i].Event()
	}
	return events
}

// Decode parses a V1 payload. Empty tokens are kept.
func Decode(payload string) (*Snapshot, error) {
	if !strings.HasPrefix(payload, Version) {
		tag := payload
		if len(tag) > len(Version) {
			tag = tag[:len(Version)]
		}
		return nil, errors.Wrapf(ErrVersion, "got %q", tag)
	}

	sections := strings.SplitN(payload[len(Version):], string(lineDelim), 3)
	if len(sections) != 3 {
		return nil, errors.Wrapf(ErrMalformed, "expected 3 sections, got %d", len(sections))
	}

	names, err := splitTokens(sections[0])
	if err != nil {
		return nil, errors.Wrap(err, "name table")
	}
	scopes, err := splitTokens(sections[1])
	if err != nil {
		return nil, errors.Wrap(err, "scope table")
	}

	raw, err := base64.StdEncoding.DecodeString(sections[2])
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "span records: %v", err)
	}
	if len(raw)%RecordSize != 0 {
		return nil, errors.Wrapf(ErrMalformed, "span records length %d is not a multiple of %d", len(raw), RecordSize)
	}

	snap := &Snapshot{
		Names:  names,
		Scopes: scopes,
		Spans:  make([]DecodedSpan, 0, len(raw)/RecordSize),
	}
	for off := 0; off < len(raw); off += RecordSize {
		b := raw[off : off+RecordSize]
		span := DecodedSpan{
			SpanID:   binary.LittleEndian.Uint64(b[0:]),
			ParentID: binary.LittleEndian.Uint64(b[8:]),
			NameID:   binary.LittleEndian.Uint32(b[16:]),
			ScopeID:  binary.LittleEndian.Uint32(b[20:]),
			Duration: Duration{
				Seconds: binary.LittleEndian.Uint64(b[24:]),
				Nanos:   binary.LittleEndian.Uint32(b[32:]),
			},
		}
		if int(span.NameID) >= len(names) {
			return nil, errors.Wrapf(ErrMalformed, "record %d name id %d out of range", off/RecordSize, span.NameID)
		}
		if int(span.ScopeID) >= len(scopes) {
			return nil, errors.Wrapf(ErrMalformed, "record %d scope id %d out of range", off/RecordSize, span.ScopeID)
		}
		if uint64(span.Duration.Nanos) >= nanosPerSecond {
			return nil, errors.Wrapf(ErrMalformed, "record %d nanoseconds %d", off/RecordSize, span.Duration.Nanos)
		}
		span.Name = names[span.NameID]
		span.Scope = scopes[span.ScopeID]
		snap.Spans = append(snap.Spans, span)
	}
	return snap, nil
}

// splitTokens splits a comma-terminated table.
func splitTokens(section string) ([]string, error) {
	if section == "" {
		return []string{}, nil
	}
	if section[len(section)-1] != tokenDelim {
		return nil, errors.Wrap(ErrMalformed, "table is not comma-terminated")
	}
	return strings.Split(section[:len(section)-1], string(tokenDelim)), nil
}
