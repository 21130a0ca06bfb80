package hash

import "golang.org/x/crypto/bcrypt"

const MinPasswordLen = 6

// MaxPasswordBytes is what bcrypt reads; longer passwords are cut to it.
const MaxPasswordBytes = 72

func input(password string) []byte {
	b := []byte(password)
	if len(b) > MaxPasswordBytes {
		b = b[:MaxPasswordBytes]
	}
	return b
}

func HashPassword(password string) (string, error) {
	hashbytes, err := bcrypt.GenerateFromPassword(input(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hashbytes), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), input(password)) == nil
}
