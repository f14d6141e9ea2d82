package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appDir = "mcprun"

// Dirs are the base directories the config file lookup depends on.
type Dirs struct {
	GOOS        string
	Home        string
	XDGConfig   string
	AppData     string
	ProgramData string
}

// HostDirs reads Dirs from the running system.
func HostDirs() Dirs {
	home, _ := os.UserHomeDir()
	return Dirs{
		GOOS:        runtime.GOOS,
		Home:        home,
		XDGConfig:   os.Getenv("XDG_CONFIG_HOME"),
		AppData:     os.Getenv("AppData"),
		ProgramData: os.Getenv("ProgramData"),
	}
}

// Candidates lists where name may live, the per-user location first and the
// machine-wide one last.
func (d Dirs) Candidates(name string) []string {
	var out []string
	switch d.GOOS {
	case "windows":
		if d.AppData != "" {
			out = append(out, filepath.Join(strings.TrimRight(d.AppData, `\/`), appDir, name))
		}
		pd := strings.TrimRight(d.ProgramData, `\/`)
		if pd == "" {
			pd = "C:/ProgramData"
		}
		return append(out, filepath.Join(pd, appDir, name))
	case "darwin":
		if d.Home != "" {
			out = append(out, filepath.Join(d.Home, "Library", "Application Support", appDir, name))
		}
		return append(out, filepath.Join("/Library", "Application Support", appDir, name))
	default:
		user := d.XDGConfig
		if user == "" && d.Home != "" {
			user = filepath.Join(d.Home, ".config")
		}
		if user != "" {
			out = append(out, filepath.Join(user, appDir, name))
		}
		return append(out, filepath.Join("/etc", appDir, name))
	}
}

// Find returns the first candidate that exists, or the machine-wide path when
// none does. main treats a missing default file as "no file".
func (d Dirs) Find(name string) string {
	c := d.Candidates(name)
	for _, p := range c {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return c[len(c)-1]
}

// DefaultConfigPath is HostDirs().Find(name).
func DefaultConfigPath(name string) string {
	return HostDirs().Find(name)
}
