package filesystems

import (
	"io/fs"
	"os"
)

// DirFS roots a filesystem at dir, the way C3's file responder needs
// (spec §9's "minimal async read interface" exposed per configured
// Root): file serving always wants one fixed root per Root directive.
func DirFS(dir string) fs.FS {
	return os.DirFS(dir)
}
