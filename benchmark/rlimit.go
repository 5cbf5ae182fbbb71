package benchmark

// Each session holds one socket; the reserve covers stdio, logs and worker pipes.
const (
	descriptorsPerSession = 2
	descriptorReserve     = 64
)

func descriptorsFor(sessions int) uint64 {
	if sessions < 0 {
		sessions = 0
	}
	return uint64(sessions*descriptorsPerSession + descriptorReserve)
}
