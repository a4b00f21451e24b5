package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/streamhub/streamhub/internal/adminindex"
	"github.com/streamhub/streamhub/internal/blob"
	"github.com/streamhub/streamhub/internal/streamactor"
)

// readColdSegments answers a read whose requested offset falls behind
// the live (hot) segment, walking the admin index's segment rows and
// pulling each matching blob in turn. streamactor.Actor.Read only ever
// answers from its in-memory tail; anything rotated out of it has to be
// reassembled here from blob storage, the caller spec.md §4.5 puts this
// responsibility on.
func readColdSegments(ctx context.Context, store blob.Store, idx *adminindex.Index, projectID, streamID string, offset streamactor.Offset, contentType string) ([]streamactor.Message, error) {
	if store == nil || idx == nil {
		return nil, nil
	}

	segments, err := idx.StreamSegments(ctx, projectID, streamID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	countByMessage := streamactor.IsJSONContentType(contentType)

	var out []streamactor.Message
	for _, seg := range segments {
		// rotate() labels the segment holding everything that
		// accumulated during generation G (messages carrying
		// Offset.ReadSeq == G) with readSeq G+1. A requested offset at
		// readSeq R therefore first needs the segment one past it, then
		// every later generation's segment in full — each later
		// segment's messages all carry a ReadSeq greater than R, so
		// they're never filtered by the LessThanOrEqual check below.
		if seg.ReadSeq <= offset.ReadSeq {
			continue
		}

		generation := seg.ReadSeq - 1
		msgs, err := readSegmentBlob(ctx, store, seg.BlobKey, generation, offset, countByMessage)
		if err != nil {
			return out, err
		}
		// The segment blob format carries no per-message timestamp
		// (§8 wire format), so every message recovered from one segment
		// shares that segment's own rotation time as its write timestamp.
		for i := range msgs {
			msgs[i].CreatedAt = seg.CreatedAt
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// readSegmentBlob streams a single segment blob whose messages all
// belong to generation, skipping any message whose resulting offset is
// at or below the requested offset (the same accounting appendRaw uses
// for the hot path) and collecting the rest. countByMessage matches
// appendRaw's own split: true advances the offset by one per framed
// message (JSON streams), false by the message's byte length (binary
// streams) — the two paths must agree, or an offset computed while the
// data was still hot would stop meaning the same position once the
// data has rotated into a segment.
func readSegmentBlob(ctx context.Context, store blob.Store, blobKey string, generation uint64, offset streamactor.Offset, countByMessage bool) ([]streamactor.Message, error) {
	r, err := store.Open(ctx, blobKey)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", blobKey, err)
	}
	defer r.Close()

	var messages []streamactor.Message
	cur := streamactor.Offset{ReadSeq: generation}

	for {
		data, err := streamactor.ReadMessage(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Truncated or corrupted tail: return what was collected,
			// matching spec.md §4.5's "return what was collected".
			break
		}

		advance := uint64(len(data))
		if countByMessage {
			advance = 1
		}
		next := cur.Add(advance)
		if !next.LessThanOrEqual(offset) {
			messages = append(messages, streamactor.Message{Data: bytes.Clone(data), Offset: next})
		}
		cur = next
	}

	return messages, nil
}
