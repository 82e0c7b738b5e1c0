package document

import (
	"fmt"
	"regexp"
	"strings"

	"postbox/internal/model"
)

// Extension is the suffix of every task document file.
const Extension = ".md"

const maxSlugLen = 40

var filenameIDRegex = regexp.MustCompile(`(task_[0-9]{10}_[0-9a-f]{8})\.md$`)

// Filename produces the deterministic on-disk name for a task document:
// <priority>_<type>_<slugified-title>_<taskID>.md. The leading priority
// bucket makes a lexically sorted listing group same-priority tasks; the
// embedded ID keeps names unique even for duplicate titles.
func Filename(task model.TaskDocument) string {
	meta := task.Metadata
	return fmt.Sprintf("%s_%s_%s_%s%s",
		meta.Priority, Slugify(meta.Type), Slugify(meta.Title), meta.ID, Extension)
}

// ExtractTaskID recovers the task ID embedded in a filename produced by
// Filename. It returns "" for names that do not match the convention,
// never an error.
func ExtractTaskID(name string) string {
	match := filenameIDRegex.FindStringSubmatch(name)
	if match == nil {
		return ""
	}
	return match[1]
}

// Slugify lowercases s and collapses every run of non-alphanumeric
// characters into a single hyphen, bounded to a fixed length.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "untitled"
	}
	return slug
}
