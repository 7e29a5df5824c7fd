package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// OrderNumber builds a short human-facing reference like ORD-20260829-4F2A91C3.
func OrderNumber(at time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("ORD-%s-%d", at.Format("20060102"), at.UnixNano()%100000000)
	}
	return fmt.Sprintf("ORD-%s-%s", at.Format("20060102"), strings.ToUpper(hex.EncodeToString(buf)))
}
