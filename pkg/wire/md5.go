package wire

import (
	"crypto/md5"
	"encoding/hex"
)

func hexMD5(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// MD5Password computes the PostgreSQL MD5 challenge response:
// "md5" ++ hex(md5(hex(md5(password ++ username)) ++ salt)).
func MD5Password(username, password string, salt [4]byte) string {
	inner := hexMD5([]byte(password + username))
	outer := hexMD5(append([]byte(inner), salt[:]...))
	return "md5" + outer
}
