package hpfs

// Directory service shim (§4.J, newly specified). The dnode (directory)
// B-tree itself is out of scope (spec §1): this module only needs a narrow
// seam so RemoveFnode can hand a directory's removal off to whatever real
// directory implementation a caller wires in, and so the allocation core
// can be exercised end to end without one.

// DirentRef identifies a directory entry's host dnode and in-dnode offset.
type DirentRef struct {
	Dnode  uint32
	Offset uint32
}

// DirectoryService is the consumed interface for the two directory
// operations the allocation core's fnode removal path touches.
type DirectoryService interface {
	// RemoveDtree frees every dnode reachable from rootDno. Called from
	// RemoveFnode when the fnode being removed is a directory.
	RemoveDtree(rootDno uint32) error
	// MapFnodeDirent finds the directory entry that names fno, for
	// callers that need to update or invalidate it.
	MapFnodeDirent(fno uint32) (DirentRef, error)
}

// NopDirectoryService is a DirectoryService that treats every directory as
// already empty; it exists so a mount without a real directory layer can
// still exercise the rest of the allocation core's API. Its MapFnodeDirent
// finds nothing and always returns a NotFound error; the core itself never
// calls it.
type NopDirectoryService struct{}

func (NopDirectoryService) RemoveDtree(rootDno uint32) error { return nil }

func (NopDirectoryService) MapFnodeDirent(fno uint32) (DirentRef, error) {
	return DirentRef{}, notFoundErr("map_fnode_dirent", fno)
}
