package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/remedyd/internal/event"
)

// Fingerprint computes the deterministic signature id for a normalized
// message and stack shape. The hash covers the message plus the top-N
// frames' function and file; line numbers are excluded so recompiles and
// small edits do not split a signature. The function is pure: identical
// inputs always produce the same id regardless of arrival order.
func Fingerprint(message string, frames []event.StackFrame, topN int) string {
	h := sha256.New()
	h.Write([]byte(message))
	h.Write([]byte{0})

	if topN <= 0 {
		topN = 5
	}
	for i, f := range frames {
		if i >= topN {
			break
		}
		h.Write([]byte(f.Function))
		h.Write([]byte{'|'})
		h.Write([]byte(f.File))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// classifyRule maps a message shape onto a defect category. First match wins.
type classifyRule struct {
	pattern  *regexp.Regexp
	category Category
}

var classifyRules = []classifyRule{
	{regexp.MustCompile(`(?i)(nil pointer dereference|nullpointerexception|null reference|invalid memory address)`), CategoryNullAccess},
	{regexp.MustCompile(`(?i)(sqlexception|database|deadlock|constraint violation|duplicate key)`), CategoryDatabase},
	{regexp.MustCompile(`(?i)(connection refused|connection reset|i/o timeout|deadline exceeded|service unavailable|bad gateway|upstream|restclientexception)`), CategoryRemoteCall},
	{regexp.MustCompile(`(?i)(numberformatexception|invalid syntax|strconv\.|cannot parse|unparseable)`), CategoryNumericParse},
	{regexp.MustCompile(`(?i)(out of memory|outofmemoryerror|too many open files|resource exhausted)`), CategoryResource},
}

// Classify places a normalized message into a defect category.
func Classify(message string) Category {
	m := strings.TrimSpace(message)
	for _, r := range classifyRules {
		if r.pattern.MatchString(m) {
			return r.category
		}
	}
	return CategoryUnknown
}
