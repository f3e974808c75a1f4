package store

import (
	"database/sql"
	"fmt"
)

const projectColumns = `id, name, repo_path, tmux_session, COALESCE(tmux_window, ''),
	COALESCE(tickets_path, ''), COALESCE(handoff_path, ''), COALESCE(claude_dir, ''), created_at`

func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	p := &Project{}
	err := row.Scan(&p.ID, &p.Name, &p.RepoPath, &p.TmuxSession, &p.TmuxWindow,
		&p.TicketsPath, &p.HandoffPath, &p.ClaudeDir, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreateProject creates a project row.
func (s *Store) CreateProject(p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, repo_path, tmux_session, tmux_window, tickets_path, handoff_path, claude_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoPath, p.TmuxSession, nullable(p.TmuxWindow),
		nullable(p.TicketsPath), nullable(p.HandoffPath), nullable(p.ClaudeDir),
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID. Returns (nil, nil) when missing.
func (s *Store) GetProject(id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanProject(s.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects.
func (s *Store) ListProjects() ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// FindProjectByRepoPrefix returns the project whose repo_path is a prefix of
// the given working directory, or (nil, nil). Used for hook cwd resolution.
func (s *Store) FindProjectByRepoPrefix(cwd string) (*Project, error) {
	projects, err := s.ListProjects()
	if err != nil {
		return nil, err
	}
	for i := range projects {
		p := &projects[i]
		if p.RepoPath != "" && hasPathPrefix(cwd, p.RepoPath) {
			return p, nil
		}
	}
	return nil, nil
}

func hasPathPrefix(path, prefix string) bool {
	if len(path) < len(prefix) || path[:len(prefix)] != prefix {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
