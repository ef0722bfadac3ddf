package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	ini "gopkg.in/ini.v1"
)

const INI_TARGET_SECTION = "target"

var (
	ErrSectionNotFound = errors.New("section not found")
	ErrConfigFailure   = errors.New("config error")
)

func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// ConfigIniFile returns the default config file location,
// basePath overrides the home directory when set.
func ConfigIniFile(basePath string) string {
	base := basePath
	if base == "" {
		base = HomeDir()
	}
	return path.Join(base, fmt.Sprintf(".%s.ini", SELF_NAME))
}

// TargetSection converts a target name to its full section name, i.e.
// `prod` => `target.prod`. An empty name selects the DEFAULT section.
func TargetSection(name string) string {
	if name == "" {
		return ini.DefaultSection
	}
	return fmt.Sprintf("%s.%s", INI_TARGET_SECTION, name)
}

// LoadTarget reads the keys of a single target section. A missing file
// yields an empty map so the probe can run from flags and env alone.
// Keys from the DEFAULT section are inherited by every target.
func LoadTarget(file, name string) (map[string]any, error) {
	out := map[string]any{}
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		if name != "" {
			return nil, fmt.Errorf("%s in missing file %s, %w", TargetSection(name), file, ErrSectionNotFound)
		}
		return out, nil
	}

	cfg, err := ini.Load(file)
	if err != nil {
		return nil, fmt.Errorf("fail to read ini file: %v, %w", err, ErrConfigFailure)
	}

	for _, k := range cfg.Section(ini.DefaultSection).Keys() {
		out[k.Name()] = k.Value()
	}
	if name == "" {
		return out, nil
	}

	section := TargetSection(name)
	if !cfg.HasSection(section) {
		return nil, fmt.Errorf("%s, %w", section, ErrSectionNotFound)
	}
	for _, k := range cfg.Section(section).Keys() {
		out[k.Name()] = k.Value()
	}
	return out, nil
}

// GetAllTargets lists the target names declared in the file.
func GetAllTargets(file string) ([]string, error) {
	targets := []string{}
	cfg, err := ini.Load(file)
	if err != nil {
		return nil, err
	}
	for _, v := range cfg.Section(INI_TARGET_SECTION).ChildSections() {
		targets = append(targets, strings.Replace(v.Name(), fmt.Sprintf("%s.", INI_TARGET_SECTION), "", -1))
	}
	return targets, nil
}
