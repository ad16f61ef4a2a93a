package mesh

// ShouldInitiate decides which side of a newly discovered pair dials.
// Both sides evaluate it with the arguments swapped, so exactly one of them
// initiates when the names differ. Equal names never initiate.
func ShouldInitiate(localName, remoteName string) bool {
	return localName > remoteName
}
