package security

import "time"

// DefaultProfiles returns the base envelope per trust level before
// language adjustments.
func DefaultProfiles() map[Trust]Envelope {
	return map[Trust]Envelope{
		TrustSnippet: {
			CPU: 0.5, MemoryMB: 256, DiskMB: 100, Network: NetworkNone, PIDs: 64,
			Timeout: 30 * time.Second,
		},
		TrustRepository: {
			CPU: 2.0, MemoryMB: 1024, DiskMB: 1000, Network: NetworkRestricted, PIDs: 512,
			Timeout: 300 * time.Second,
		},
		TrustBatch: {
			CPU: 4.0, MemoryMB: 2048, DiskMB: 2000, Network: NetworkRestricted, PIDs: 512,
			Timeout: 600 * time.Second,
		},
		TrustReadmeTest: {
			CPU: 1.0, MemoryMB: 512, DiskMB: 500, Network: NetworkRestricted, PIDs: 256,
			Timeout: 120 * time.Second,
		},
	}
}
