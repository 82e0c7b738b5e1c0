package workspace

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// Stats aggregates file counts per logical directory. InboxByTeam keys are
// top-level team names; files in subteam inboxes count toward their team.
type Stats struct {
	InboxByTeam map[string]int
	InboxTotal  int
	Outbox      int
	InProgress  int
	Failed      int
	Archive     int
	Knowledge   int
	Metrics     int
}

// GetStats re-lists the tree and returns aggregate counts. Teams are
// discovered from the inbox directory itself, not from configuration, so
// inboxes created after Initialize are included.
func (m *Manager) GetStats() (Stats, error) {
	stats := Stats{InboxByTeam: make(map[string]int)}

	teams, err := m.listSubdirs(m.Path(DirInbox))
	if err != nil {
		return stats, err
	}
	for _, team := range teams {
		count, err := m.countInboxFiles(m.InboxPath(team, ""))
		if err != nil {
			return stats, err
		}
		stats.InboxByTeam[team] = count
		stats.InboxTotal += count
	}

	counts := []struct {
		dir  string
		dest *int
	}{
		{m.OutboxPath(), &stats.Outbox},
		{m.InProgressPath(), &stats.InProgress},
		{m.FailedPath(), &stats.Failed},
		{m.ArchivePath(), &stats.Archive},
		{m.KnowledgePath(), &stats.Knowledge},
		{m.MetricsPath(), &stats.Metrics},
	}
	for _, c := range counts {
		files, err := m.ListFiles(c.dir, "")
		if err != nil {
			return stats, err
		}
		*c.dest = len(files)
	}
	return stats, nil
}

// InboxDirs enumerates every existing inbox directory: one per team plus
// one per nested subteam.
func (m *Manager) InboxDirs() ([]string, error) {
	teams, err := m.listSubdirs(m.Path(DirInbox))
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, team := range teams {
		teamDir := m.InboxPath(team, "")
		dirs = append(dirs, teamDir)
		subs, err := m.listSubdirs(teamDir)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			dirs = append(dirs, filepath.Join(teamDir, sub))
		}
	}
	return dirs, nil
}

// countInboxFiles counts files in a team inbox including one level of
// subteam nesting.
func (m *Manager) countInboxFiles(dir string) (int, error) {
	files, err := m.ListFiles(dir, "")
	if err != nil {
		return 0, err
	}
	count := len(files)

	subs, err := m.listSubdirs(dir)
	if err != nil {
		return 0, err
	}
	for _, sub := range subs {
		subFiles, err := m.ListFiles(filepath.Join(dir, sub), "")
		if err != nil {
			return 0, err
		}
		count += len(subFiles)
	}
	return count, nil
}

func (m *Manager) listSubdirs(dir string) ([]string, error) {
	entries, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		if exists, statErr := afero.DirExists(m.fs, dir); statErr == nil && !exists {
			return nil, nil
		}
		return nil, fmt.Errorf("list subdirs of %s: %w", dir, err)
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs, nil
}
