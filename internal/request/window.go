package request

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/yanet-platform/daqfabric/internal/fragment"
)

// containerMetaWords is the fixed metadata layout prefixing a Container
// fragment's payload: a single word flagging missing_data.
const containerMetaWords = 1

func encodeMissingData(missing bool) []byte {
	buf := make([]byte, 8)
	if missing {
		binary.LittleEndian.PutUint64(buf, 1)
	}
	return buf
}

// decodeMissingData parses the metadata word written by encodeMissingData.
func decodeMissingData(buf []byte) bool {
	return len(buf) >= 8 && binary.LittleEndian.Uint64(buf[:8]) != 0
}

// buildContainer assembles a Container fragment carrying the concatenated
// payloads of items, tagged with missing_data and the request's sequence id.
func buildContainer(seq uint64, items []BufferedFragment, missing bool) *fragment.Fragment {
	var payload []byte
	for _, it := range items {
		payload = append(payload, it.Payload...)
	}
	payload = pad8(payload)

	h := fragment.RawHeader{
		WordCount:         fragment.HeaderWords + containerMetaWords + uint64(len(payload))/8,
		SequenceID:        seq,
		Type:              fragment.TypeContainer,
		MetadataWordCount: containerMetaWords,
	}
	return &fragment.Fragment{
		Header:   h,
		Metadata: encodeMissingData(missing),
		Payload:  payload,
	}
}

func buildEmpty(seq uint64, ts uint64) *fragment.Fragment {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, ts)
	h := fragment.RawHeader{
		WordCount:  fragment.HeaderWords + 1,
		SequenceID: seq,
		Type:       fragment.TypeEmpty,
	}
	return &fragment.Fragment{Header: h, Payload: buf}
}

func pad8(b []byte) []byte {
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	return b
}

// resolveWindow produces the fragment for a Window-mode resolution: an Empty
// fragment carrying the window's start timestamp when nothing fell inside
// it, otherwise a Container tagged with missing_data.
func resolveWindow(seq, winStart uint64, items []BufferedFragment, missing bool) *fragment.Fragment {
	if len(items) == 0 {
		return buildEmpty(seq, winStart)
	}
	return buildContainer(seq, items, missing)
}

// itemsInRange returns the subslice of items (already oldest-first) whose
// timestamp falls in [start, end).
func itemsInRange(items []BufferedFragment, start, end uint64) []BufferedFragment {
	var out []BufferedFragment
	for _, it := range items {
		if it.Timestamp >= start && it.Timestamp < end {
			out = append(out, it)
		}
	}
	return out
}

// ForceMissing rewrites f's missing_data metadata word to true. Used by a
// caller draining Receiver.ReadyNext when a request is released out of its
// natural sequence order (the out_of_order_window_list timeout elapsed)
// rather than because the window itself was incomplete. Empty fragments
// carry no such metadata word and are left untouched.
func ForceMissing(f *fragment.Fragment) {
	if f == nil || f.Header.Type != fragment.TypeContainer {
		return
	}
	f.Metadata = encodeMissingData(true)
}

// Evaluate resolves a request's windowing response according to cfg.Mode.
// For Ignored, it returns (nil, nil): the caller emits freely and should not
// gate on it. For Window mode it may block, bounded by
// cfg.WindowCloseTimeout, waiting for the buffer to grow past the window's
// end.
func Evaluate(ctx context.Context, cfg Config, seq, ts uint64, buf *FragmentBuffer) (*fragment.Fragment, error) {
	switch cfg.Mode {
	case Ignored:
		return nil, nil

	case Single:
		for _, it := range buf.Snapshot() {
			if it.Timestamp == ts {
				return buildContainer(seq, []BufferedFragment{it}, false), nil
			}
		}
		return buildEmpty(seq, ts), nil

	case Buffer:
		return buildContainer(seq, buf.Snapshot(), false), nil

	case Window:
		return evaluateWindow(ctx, cfg, seq, ts, buf)

	default:
		return buildEmpty(seq, ts), nil
	}
}

// evaluateWindow implements the six documented Window-mode cases (§4.4).
func evaluateWindow(ctx context.Context, cfg Config, seq, ts uint64, buf *FragmentBuffer) (*fragment.Fragment, error) {
	winStart := ts + uint64(cfg.WindowOffset().Microseconds())
	winEnd := winStart + uint64(cfg.WindowWidth().Microseconds())

	bufStart, bufEnd, ok := buf.Bounds()
	if !ok {
		return waitForWindow(ctx, cfg, seq, winStart, winEnd, buf)
	}

	// Case 1: window entirely before the buffer's retained range.
	if winEnd <= bufStart {
		return resolveWindow(seq, winStart, nil, true), nil
	}

	// Case 4: fully inside the retained range.
	if winStart >= bufStart && winEnd <= bufEnd {
		return resolveWindow(seq, winStart, itemsInRange(buf.Snapshot(), winStart, winEnd), false), nil
	}

	// Case 2: starts before the buffer, ends inside it — what's missing
	// already fell off the front and will never arrive, so this resolves
	// immediately as a partial window.
	if winStart < bufStart && winEnd <= bufEnd {
		return resolveWindow(seq, winStart, itemsInRange(buf.Snapshot(), bufStart, winEnd), true), nil
	}

	// Cases 3, 5, 6: the window's end is beyond what has arrived so far.
	// Wait for the buffer to grow, bounded by WindowCloseTimeout.
	return waitForWindow(ctx, cfg, seq, winStart, winEnd, buf)
}

// waitForWindow polls buf until its tail reaches winEnd or
// cfg.WindowCloseTimeout elapses, then resolves whatever is available.
func waitForWindow(ctx context.Context, cfg Config, seq, winStart, winEnd uint64, buf *FragmentBuffer) (*fragment.Fragment, error) {
	deadline := time.Now().Add(cfg.WindowCloseTimeout())
	lastVersion := -1

	for {
		if v := buf.Version(); v != lastVersion {
			lastVersion = v
			if bufStart, bufEnd, ok := buf.Bounds(); ok && winEnd <= bufEnd {
				start := winStart
				if start < bufStart {
					start = bufStart
				}
				return resolveWindow(seq, winStart, itemsInRange(buf.Snapshot(), start, winEnd), false), nil
			}
		}

		if time.Now().After(deadline) {
			bufStart, _, ok := buf.Bounds()
			if !ok {
				return resolveWindow(seq, winStart, nil, true), nil
			}
			start := winStart
			if start < bufStart {
				start = bufStart
			}
			return resolveWindow(seq, winStart, itemsInRange(buf.Snapshot(), start, winEnd), true), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
