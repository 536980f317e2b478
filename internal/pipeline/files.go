package pipeline

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Inbound files are named {uploaded_at_unix}_skipAI_{0|1}_{original}.csv by
// the upload handler that drops them off.
var inboundPattern = regexp.MustCompile(`^(\d+)_skipAI_(\d+)_(.+\.csv)$`)

// InboundFile is one CSV export awaiting ingestion.
type InboundFile struct {
	Path string
	Name string

	// SkipAI marks an export produced without AI imagery.
	SkipAI bool

	// CampaignFallback is the original file stem, used as the campaign name
	// for rows that do not carry one.
	CampaignFallback string
}

// ScanInbound lists the ingestible files in dir, oldest upload first. Files
// that do not match the naming convention are skipped with a warning.
func ScanInbound(dir string) ([]InboundFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read inbound dir %s", dir)
	}

	var files []InboundFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := inboundPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			zap.L().Warn("skipping file with unexpected name", zap.String("file", entry.Name()))
			continue
		}
		files = append(files, InboundFile{
			Path:             filepath.Join(dir, entry.Name()),
			Name:             entry.Name(),
			SkipAI:           m[2] != "0",
			CampaignFallback: strings.TrimSuffix(m[3], filepath.Ext(m[3])),
		})
	}

	// The unix-timestamp prefix makes lexicographic order chronological for
	// same-width timestamps; sort numerically anyway to be safe across the
	// 9-to-10 digit boundary.
	sort.Slice(files, func(i, j int) bool {
		a := inboundPattern.FindStringSubmatch(files[i].Name)[1]
		b := inboundPattern.FindStringSubmatch(files[j].Name)[1]
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
	return files, nil
}
