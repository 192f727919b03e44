package deploy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
servers:
  - name: filesystem
    title: Filesystem
    startCommand: npx -y @modelcontextprotocol/server-filesystem /home/user
    defaultTimeout: 45m
  - name: github
    startCommand: npx -y @modelcontextprotocol/server-github
    installCommand: npm install -g @modelcontextprotocol/server-github
    requiredEnv: [GITHUB_PERSONAL_ACCESS_TOKEN]
    template: mcp-node
`

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	assert.Equal(t, []string{"filesystem", "github"}, catalog.Names())

	fs, ok := catalog.Lookup("filesystem")
	require.True(t, ok)
	assert.Equal(t, "Filesystem", fs.Title)
	assert.Equal(t, 45*time.Minute, fs.DefaultTimeout)

	gh, ok := catalog.Lookup("github")
	require.True(t, ok)
	assert.Equal(t, "github", gh.Title, "title defaults to the name")
	assert.Equal(t, []string{"GITHUB_PERSONAL_ACCESS_TOKEN"}, gh.RequiredEnv)
	assert.Equal(t, "mcp-node", gh.Template)
	assert.Equal(t, "npm install -g @modelcontextprotocol/server-github", gh.InstallCommand)

	_, ok = catalog.Lookup("missing")
	assert.False(t, ok)
}

func TestParseCatalogErrors(t *testing.T) {
	tests := map[string]string{
		"MissingName":   "servers:\n  - startCommand: x\n",
		"DuplicateName": "servers:\n  - name: a\n    startCommand: x\n  - name: a\n    startCommand: y\n",
		"MissingStart":  "servers:\n  - name: a\n",
		"BadDuration":   "servers:\n  - name: a\n    startCommand: x\n    defaultTimeout: soon\n",
		"MalformedYAML": "servers: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, catalog.Names(), 2)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNilCatalog(t *testing.T) {
	var c *Catalog
	_, ok := c.Lookup("x")
	assert.False(t, ok)
	assert.Empty(t, c.Names())
}

func TestDescriptorValidate(t *testing.T) {
	d := Descriptor{StartCommand: "server", RequiredEnv: []string{"A", "B"}}
	assert.NoError(t, d.Validate(map[string]string{"A": "1", "B": "2"}))

	err := d.Validate(map[string]string{"A": "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
	assert.Contains(t, err.Error(), "B")
	assert.NotContains(t, err.Error(), "A,")
}
