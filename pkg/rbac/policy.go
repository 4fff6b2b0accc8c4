package rbac

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Policy is a declarative seed of permissions and role mappings.
// Applying it is additive: nothing absent from the file is removed.
type Policy struct {
	Permissions []PolicyPermission  `yaml:"permissions"`
	Roles       map[string][]string `yaml:"roles"`
}

// PolicyPermission declares one permission
type PolicyPermission struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// PolicyResult counts what an apply changed
type PolicyResult struct {
	PermissionsCreated int `json:"permissions_created"`
	MappingsAssigned   int `json:"mappings_assigned"`
}

// LoadPolicy reads and validates a YAML policy file
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates YAML policy content
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks names and roles. Role mappings may reference permissions
// declared in the file or already present in the store.
func (p *Policy) Validate() error {
	for _, perm := range p.Permissions {
		if _, _, err := SplitPermissionName(perm.Name); err != nil {
			return err
		}
	}
	for role, names := range p.Roles {
		if _, err := ParseRole(role); err != nil {
			return err
		}
		for _, name := range names {
			if _, _, err := SplitPermissionName(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyPolicy creates missing permissions and mappings through the audited
// mutation path. Running it twice changes nothing the second time.
func (a *Admin) ApplyPolicy(ctx context.Context, p *Policy) (PolicyResult, error) {
	var result PolicyResult

	for _, decl := range p.Permissions {
		_, err := a.store.GetPermissionByName(ctx, decl.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return result, err
		}
		resource, action, _ := SplitPermissionName(decl.Name)
		if _, err := a.CreatePermission(ctx, nil, resource, action, decl.Description); err != nil {
			return result, fmt.Errorf("failed to seed %s: %w", decl.Name, err)
		}
		result.PermissionsCreated++
	}

	for _, role := range Roles() {
		for _, name := range p.Roles[string(role)] {
			perm, err := a.store.GetPermissionByName(ctx, name)
			if err != nil {
				return result, fmt.Errorf("failed to map %s to %s: %w", name, role, err)
			}
			changed, err := a.AssignPermission(ctx, nil, role, perm.ID)
			if err != nil {
				return result, fmt.Errorf("failed to map %s to %s: %w", name, role, err)
			}
			if changed {
				result.MappingsAssigned++
			}
		}
	}

	return result, nil
}

// SeedFromFile loads path and applies it
func (a *Admin) SeedFromFile(ctx context.Context, path string) (PolicyResult, error) {
	p, err := LoadPolicy(path)
	if err != nil {
		return PolicyResult{}, err
	}
	return a.ApplyPolicy(ctx, p)
}

// WatchPolicy reapplies the policy file whenever it is written or replaced.
// It blocks until ctx is done. Reload failures are logged and the previous
// state is kept.
func (a *Admin) WatchPolicy(ctx context.Context, path string, logger logrus.FieldLogger) error {
	if logger == nil {
		logger = a.logger
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve policy path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	log := logger.WithField("policy", abs)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			result, err := a.SeedFromFile(ctx, abs)
			if err != nil {
				log.WithError(err).Error("failed to reload policy")
				continue
			}
			log.WithFields(logrus.Fields{
				"permissions_created": result.PermissionsCreated,
				"mappings_assigned":   result.MappingsAssigned,
			}).Info("policy reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("policy watcher error")
		}
	}
}
