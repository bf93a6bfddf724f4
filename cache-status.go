package assetcache

import "fmt"

// Cache-Status header values, see RFC 9211.

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"
)

const cacheStatusName = "Asset-Cache"

type CacheStatus struct {
	Status    CacheStatusStatus
	FwdReason CacheStatusFwdReason
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = CacheStatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.Status = CacheStatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheStatusName, cs.Status)
	if cs.Status == CacheStatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
