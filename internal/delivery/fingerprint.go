package delivery

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/atendai/atendai/internal/convo"
)

// FingerprintTTL is how long a processed turn suppresses duplicates.
const FingerprintTTL = 5 * time.Minute

// Fingerprint derives the dedupe key for a turn: tenant and
// conversation scoped, content normalized so whitespace and case
// variations of the same burst collapse to one key.
func Fingerprint(tenantID string, key convo.Key, content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := md5.Sum([]byte(normalized))
	return fmt.Sprintf("turn:%s:%s:%s", tenantID, key.String(), hex.EncodeToString(sum[:]))
}
