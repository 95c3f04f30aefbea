package pe

// ReproducibleTimestamp is the fixed substitute for every
// non-deterministic TimeDateStamp and CheckSum field: 2010-03-02
// 10:04:55 UTC as a 32-bit Unix timestamp, matching the constant used
// by prior reproducible-build tooling so builds produced by either tool
// agree byte-for-byte.
const ReproducibleTimestamp uint32 = 0x4B8CE2C7
