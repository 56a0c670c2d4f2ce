package engine

import "encoding/json"

// replicatedOp is the wire shape of one backlog record appended through a
// ReplicationSink. Its key, value and ttl_remaining fields use the same
// JSON names as the WAL record payload; the command travels as "op"
// rather than the WAL's "command", and no timestamp is carried. The
// replica decodes it with its own streamOp type, not with the WAL
// reader recovery uses. The replication
// package owns its own copy of this shape (to avoid engine importing it);
// any change here must stay in sync with replication's decoder.
//
// TTLRemainingNano carries nanoseconds-until-expiry, not an absolute
// deadline: the master and replica are different processes with
// independent monotonic clock origins, so only a relative value survives
// the wire intact. The receiving Replica rebases it against its own
// clock before handing it to Applier.
type replicatedOp struct {
	Op               string `json:"op"`
	Key              string `json:"key"`
	Value            []byte `json:"value,omitempty"`
	TTLRemainingNano *int64 `json:"ttl_remaining,omitempty"`
}

func encodeReplicatedSet(key string, value []byte, ttlRemainingNano *int64) []byte {
	b, _ := json.Marshal(replicatedOp{Op: "SET", Key: key, Value: value, TTLRemainingNano: ttlRemainingNano})
	return b
}

func encodeReplicatedDel(key string) []byte {
	b, _ := json.Marshal(replicatedOp{Op: "DEL", Key: key})
	return b
}

func encodeReplicatedExpire(key string, ttlRemainingNano *int64) []byte {
	b, _ := json.Marshal(replicatedOp{Op: "EXPIRE", Key: key, TTLRemainingNano: ttlRemainingNano})
	return b
}
