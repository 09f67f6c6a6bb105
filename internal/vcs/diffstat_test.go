package vcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
)

const sampleDiff = `diff --git a/src/main.py b/src/main.py
index 3b18e51..a2b4c6d 100644
--- a/src/main.py
+++ b/src/main.py
@@ -1,3 +1,4 @@
 import os
-x = 0
+print("hello")
+print("world")
 x = 1
diff --git a/src/old.py b/src/old.py
deleted file mode 100644
index 1111111..0000000
--- a/src/old.py
+++ /dev/null
@@ -1,2 +0,0 @@
-a = 1
-b = 2
diff --git a/src/new.py b/src/new.py
new file mode 100644
index 0000000..2222222
--- /dev/null
+++ b/src/new.py
@@ -0,0 +1 @@
+c = 3
`

func TestDiffStats(t *testing.T) {
	changes, err := DiffStats(sampleDiff)
	require.NoError(t, err)

	assert.Equal(t, []domain.FileChange{
		{Path: "src/main.py", Added: 2, Removed: 1},
		{Path: "src/old.py", Added: 0, Removed: 2},
		{Path: "src/new.py", Added: 1, Removed: 0},
	}, changes)
}

func TestDiffStats_Empty(t *testing.T) {
	changes, err := DiffStats("  \n")
	require.NoError(t, err)
	assert.Empty(t, changes)
}
