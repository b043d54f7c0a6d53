package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// idPattern matches the record id format from §6: M[0-3]_\d{17}_[0-9a-f]{6}.
var idPattern = regexp.MustCompile(`^M[0-3]_\d{17}_[0-9a-f]{6}$`)

// ValidID reports whether id matches the record id format.
func ValidID(id string) bool { return idPattern.MatchString(id) }

// contentHash6 returns the first 6 hex characters of the sha256 digest of
// content, used as the id's disambiguating suffix.
func contentHash6(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:6]
}

// buildID constructs a record id from tier, timestamp and content, per the
// `M{tier}_{yyyymmddhhmmssfff}_{hash6}` format in §3/§6. Identical content
// at the same tier and millisecond yields the same id — the create
// operation is defined to be idempotent in that case.
func buildID(tier Tier, ts time.Time, content string) string {
	stamp := ts.Format("20060102150405") + fmt.Sprintf("%03d", ts.Nanosecond()/1_000_000)
	return fmt.Sprintf("M%d_%s_%s", int(tier), stamp, contentHash6(content))
}

// contentPath builds the on-disk path for a record's content blob, per §6's
// layout. valueLevel only contributes a path segment for TierClassified.
func contentPath(root string, tier Tier, valueLevel ValueLevel, createdAt time.Time, id string) string {
	datePath := filepath.Join(
		fmt.Sprintf("%04d", createdAt.Year()),
		fmt.Sprintf("%02d", int(createdAt.Month())),
		fmt.Sprintf("%02d", createdAt.Day()),
	)

	if tier == TierClassified {
		return filepath.Join(root, tier.dirName(), string(valueLevel), datePath, id+".txt")
	}
	return filepath.Join(root, tier.dirName(), datePath, id+".txt")
}
