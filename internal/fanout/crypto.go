package fanout

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// fanoutKey is generated once per process and used to derive
// deterministic producer identities for fanned-out appends — the same
// role the teacher's webhook token key played for signing callback
// tokens, just never serialized off-process since there's no external
// party to present it back to us.
var fanoutKey = sha256.Sum256([]byte("durable-stream-estuary-fanout"))

// DeriveProducerID returns a deterministic producer id for appends
// fanned out from (sourceProjectID, sourceStreamID) into targetKey,
// so a retried fan-out job lands on the same producer identity and is
// caught by the target's own producer-seq dedup rather than creating a
// duplicate message.
func DeriveProducerID(sourceProjectID, sourceStreamID, targetProjectID, targetStreamID string) string {
	mac := hmac.New(sha256.New, fanoutKey[:])
	fmt.Fprintf(mac, "%s/%s->%s/%s", sourceProjectID, sourceStreamID, targetProjectID, targetStreamID)
	return "fanout_" + hex.EncodeToString(mac.Sum(nil))[:32]
}
