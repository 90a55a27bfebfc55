package decrypt

import (
	"crypto/sha256"
	"hash"
)

const (
	saltSize = 16
	ivSize   = 16
	aesBlock = 16
)

// Params is one SQLCipher parameter combination: page size, KDF iteration
// count and the hash used for both the KDF and the per-page HMAC. The
// combination is a property of the host application's database format,
// validated empirically against one client generation; a newer client may
// need a different profile, and there is no in-band way to detect which.
type Params struct {
	Name     string
	PageSize int
	KDFIter  int
	Hash     func() hash.Hash
}

// MacV3 is the profile for WeChat for Mac 3.x databases: 4096-byte pages,
// PBKDF2-HMAC-SHA256 at 64000 iterations, per-page HMAC-SHA256.
var MacV3 = Params{
	Name:     "macv3",
	PageSize: 4096,
	KDFIter:  64000,
	Hash:     sha256.New,
}

// Profile resolves a named parameter set from configuration. The empty
// name selects MacV3.
func Profile(name string) (Params, bool) {
	switch name {
	case "", MacV3.Name:
		return MacV3, true
	}
	return Params{}, false
}

func (p Params) macSize() int {
	return p.Hash().Size()
}

// reserve is the per-page region SQLCipher appends: IV plus HMAC, rounded
// up to the AES block size.
func (p Params) reserve() int {
	r := ivSize + p.macSize()
	if rem := r % aesBlock; rem != 0 {
		r += aesBlock - rem
	}
	return r
}
