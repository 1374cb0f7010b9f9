package utils

// MaskSecret keeps the first four characters of a credential for logs.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return "*****"
	}
	return s[:4] + "*****"
}
