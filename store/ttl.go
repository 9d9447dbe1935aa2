package store

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// attrTTL is the document attribute holding a per-document time to live in seconds.
const attrTTL = "ttl"

// IsExpired checks if a storage record has an expiry time at or before now.
func IsExpired(raw map[string]types.AttributeValue, now time.Time) bool {
	exp := expiresAt(raw)
	return exp > 0 && exp <= now.Unix()
}

// TTLOf returns the document's time to live, or 0 if it has none.
// A non-positive or non-numeric "ttl" attribute means no expiry.
func TTLOf(doc Document) time.Duration {
	v, ok := doc[attrTTL].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	secs, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func expiresAt(raw map[string]types.AttributeValue) int64 {
	v, ok := raw[attrExpiresAt].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	exp, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0
	}
	return exp
}
