package models

import (
	"fmt"
	"strings"
)

// ThreatType enumerates every alert kind the engine can raise.
type ThreatType uint16

const (
	ThreatUnknown ThreatType = iota

	// Reconnaissance
	ThreatPortScan
	ThreatInternalPortScan
	ThreatHostSweep
	ThreatIoTBotnetScan

	// Denial of service
	ThreatConnectionFlood
	ThreatSYNFlood
	ThreatUDPFlood
	ThreatICMPFlood
	ThreatDNSAmplification
	ThreatHTTPPostFlood

	// Exfiltration and command-and-control
	ThreatDataExfiltration
	ThreatBeacon
	ThreatC2Communication
	ThreatDNSTunnel
	ThreatDGADomain
	ThreatICMPTunnel
	ThreatHTTPDLPExfil
	ThreatLargeFileTransfer

	// Lateral movement and credential access
	ThreatLateralMovement
	ThreatBruteForce

	// Evasion
	ThreatFragmentationAttack
	ThreatProtocolMismatch
	ThreatUnusualPacketSize

	// Web application
	ThreatSQLInjection
	ThreatXSS
	ThreatCommandInjection
	ThreatPathTraversal
	ThreatXXE
	ThreatSSRF
	ThreatWebshellUpload

	// Industrial protocols
	ThreatModbusWriteFlood
	ThreatDNP3ControlFlood
	ThreatIEC104CommandFlood
	ThreatBACnetWriteFlood

	// TLS
	ThreatMaliciousJA3
	ThreatWeakCipherOffered
	ThreatWeakCipherNegotiated
	ThreatDeprecatedTLS
	ThreatMissingSNI
	ThreatExpiredCertificate
	ThreatSelfSignedCertificate

	// Kerberos
	ThreatKerberosWeakEncryption
	ThreatKerberoasting
	ThreatASREPRoasting
	ThreatKerberosBruteforce

	// SMB
	ThreatSMB1Usage
	ThreatSMBAdminShare
	ThreatSMBEnumeration
	ThreatSMBLateralPattern
	ThreatNTDSAccess
	ThreatLSASSDumpAccess
	ThreatRegistryHiveAccess
	ThreatRansomware

	// LDAP and directory replication
	ThreatLDAPSPNEnumeration
	ThreatLDAPASREPEnumeration
	ThreatLDAPAdminEnumeration
	ThreatLDAPSensitiveAttr
	ThreatLDAPEnumeration
	ThreatDCSync

	// Containers
	ThreatContainerEscape
	ThreatContainerAPIExposure

	// Threat intelligence
	ThreatBlacklistedIP
	ThreatFeedMatch
	ThreatMaliciousDomain
	ThreatMaliciousFileHash

	// Correlation
	ThreatKillChain

	// Operational
	ThreatFeedUnavailable
	ThreatPipelineBackpressure
	ThreatIngestQueueOverflow
	ThreatDetectorFault
	ThreatConfigRejected

	threatCount
)

// ThreatInfo is the static catalog entry for a threat type.
type ThreatInfo struct {
	Name     string
	Severity Severity
	Category Category
	Mitre    []string
}

var threatCatalog = [threatCount]ThreatInfo{
	ThreatUnknown: {Name: "UNKNOWN", Severity: SeverityInfo},

	ThreatPortScan:         {Name: "PORT_SCAN", Severity: SeverityMedium, Mitre: []string{"T1046"}},
	ThreatInternalPortScan: {Name: "INTERNAL_PORT_SCAN", Severity: SeverityHigh, Mitre: []string{"T1046"}},
	ThreatHostSweep:        {Name: "HOST_SWEEP", Severity: SeverityMedium, Mitre: []string{"T1018"}},
	ThreatIoTBotnetScan:    {Name: "IOT_BOTNET_SCAN", Severity: SeverityHigh, Mitre: []string{"T1595.001"}},

	ThreatConnectionFlood:  {Name: "CONNECTION_FLOOD", Severity: SeverityHigh, Mitre: []string{"T1499"}},
	ThreatSYNFlood:         {Name: "SYN_FLOOD", Severity: SeverityHigh, Mitre: []string{"T1499.001"}},
	ThreatUDPFlood:         {Name: "UDP_FLOOD", Severity: SeverityHigh, Mitre: []string{"T1498.001"}},
	ThreatICMPFlood:        {Name: "ICMP_FLOOD", Severity: SeverityMedium, Mitre: []string{"T1498.001"}},
	ThreatDNSAmplification: {Name: "DNS_AMPLIFICATION", Severity: SeverityHigh, Mitre: []string{"T1498.002"}},
	ThreatHTTPPostFlood:    {Name: "HTTP_POST_FLOOD", Severity: SeverityMedium, Mitre: []string{"T1499.002"}},

	ThreatDataExfiltration:  {Name: "DATA_EXFILTRATION", Severity: SeverityHigh, Mitre: []string{"T1041"}},
	ThreatBeacon:            {Name: "BEACON_DETECTED", Severity: SeverityHigh, Mitre: []string{"T1071", "T1029"}},
	ThreatC2Communication:   {Name: "C2_COMMUNICATION", Severity: SeverityHigh, Mitre: []string{"T1071", "T1571"}},
	ThreatDNSTunnel:         {Name: "DNS_TUNNEL", Severity: SeverityHigh, Mitre: []string{"T1071.004", "T1048"}},
	ThreatDGADomain:         {Name: "DGA_DOMAIN", Severity: SeverityMedium, Mitre: []string{"T1568.002"}},
	ThreatICMPTunnel:        {Name: "ICMP_TUNNEL", Severity: SeverityHigh, Mitre: []string{"T1095"}},
	ThreatHTTPDLPExfil:      {Name: "HTTP_DLP_EXFIL", Severity: SeverityHigh, Mitre: []string{"T1048", "T1567"}},
	ThreatLargeFileTransfer: {Name: "LARGE_FILE_TRANSFER", Severity: SeverityMedium, Mitre: []string{"T1048.003"}},

	ThreatLateralMovement: {Name: "LATERAL_MOVEMENT", Severity: SeverityHigh, Mitre: []string{"T1021"}},
	ThreatBruteForce:      {Name: "BRUTE_FORCE", Severity: SeverityHigh, Mitre: []string{"T1110"}},

	ThreatFragmentationAttack: {Name: "FRAGMENTATION_ATTACK", Severity: SeverityMedium, Mitre: []string{"T1599"}},
	ThreatProtocolMismatch:    {Name: "PROTOCOL_MISMATCH", Severity: SeverityMedium, Mitre: []string{"T1571"}},
	ThreatUnusualPacketSize:   {Name: "UNUSUAL_PACKET_SIZE", Severity: SeverityLow},

	ThreatSQLInjection:     {Name: "SQL_INJECTION", Severity: SeverityHigh, Mitre: []string{"T1190"}},
	ThreatXSS:              {Name: "XSS_ATTACK", Severity: SeverityMedium, Mitre: []string{"T1189"}},
	ThreatCommandInjection: {Name: "COMMAND_INJECTION", Severity: SeverityCritical, Mitre: []string{"T1190", "T1059"}},
	ThreatPathTraversal:    {Name: "PATH_TRAVERSAL", Severity: SeverityHigh, Mitre: []string{"T1190", "T1083"}},
	ThreatXXE:              {Name: "XXE_ATTACK", Severity: SeverityHigh, Mitre: []string{"T1190"}},
	ThreatSSRF:             {Name: "SSRF_ATTACK", Severity: SeverityHigh, Mitre: []string{"T1190"}},
	ThreatWebshellUpload:   {Name: "WEBSHELL_UPLOAD", Severity: SeverityCritical, Mitre: []string{"T1505.003"}},

	ThreatModbusWriteFlood:   {Name: "MODBUS_WRITE_FLOOD", Severity: SeverityHigh, Mitre: []string{"T0855", "T0836"}},
	ThreatDNP3ControlFlood:   {Name: "DNP3_CONTROL_FLOOD", Severity: SeverityHigh, Mitre: []string{"T0855"}},
	ThreatIEC104CommandFlood: {Name: "IEC104_COMMAND_FLOOD", Severity: SeverityHigh, Mitre: []string{"T0855"}},
	ThreatBACnetWriteFlood:   {Name: "BACNET_WRITE_FLOOD", Severity: SeverityHigh, Mitre: []string{"T0855", "T0836"}},

	ThreatMaliciousJA3:          {Name: "MALICIOUS_JA3_FINGERPRINT", Severity: SeverityCritical, Mitre: []string{"T1071.001", "T1573"}},
	ThreatWeakCipherOffered:     {Name: "WEAK_CIPHER_OFFERED", Severity: SeverityLow},
	ThreatWeakCipherNegotiated:  {Name: "WEAK_CIPHER_NEGOTIATED", Severity: SeverityMedium, Mitre: []string{"T1600"}},
	ThreatDeprecatedTLS:         {Name: "DEPRECATED_TLS_VERSION", Severity: SeverityLow},
	ThreatMissingSNI:            {Name: "MISSING_SNI", Severity: SeverityLow, Mitre: []string{"T1573"}},
	ThreatExpiredCertificate:    {Name: "EXPIRED_CERTIFICATE", Severity: SeverityLow},
	ThreatSelfSignedCertificate: {Name: "SELF_SIGNED_CERTIFICATE", Severity: SeverityMedium, Mitre: []string{"T1587.003"}},

	ThreatKerberosWeakEncryption: {Name: "KERBEROS_WEAK_ENCRYPTION", Severity: SeverityMedium, Mitre: []string{"T1558"}},
	ThreatKerberoasting:          {Name: "KERBEROASTING_ATTACK", Severity: SeverityHigh, Mitre: []string{"T1558.003"}},
	ThreatASREPRoasting:          {Name: "ASREP_ROASTING_ATTACK", Severity: SeverityHigh, Mitre: []string{"T1558.004"}},
	ThreatKerberosBruteforce:     {Name: "KERBEROS_BRUTEFORCE", Severity: SeverityHigh, Mitre: []string{"T1110"}},

	ThreatSMB1Usage:          {Name: "SMB1_USAGE_DETECTED", Severity: SeverityMedium, Mitre: []string{"T1210"}},
	ThreatSMBAdminShare:      {Name: "SMB_ADMIN_SHARE_ACCESS", Severity: SeverityMedium, Mitre: []string{"T1021.002"}},
	ThreatSMBEnumeration:     {Name: "SMB_ENUMERATION", Severity: SeverityMedium, Mitre: []string{"T1135"}},
	ThreatSMBLateralPattern:  {Name: "SMB_LATERAL_MOVEMENT_PATTERN", Severity: SeverityHigh, Mitre: []string{"T1021.002", "T1570"}},
	ThreatNTDSAccess:         {Name: "NTDS_DIT_ACCESS", Severity: SeverityCritical, Mitre: []string{"T1003.003"}},
	ThreatLSASSDumpAccess:    {Name: "LSASS_DUMP_ACCESS", Severity: SeverityCritical, Mitre: []string{"T1003.001"}},
	ThreatRegistryHiveAccess: {Name: "REGISTRY_HIVE_ACCESS", Severity: SeverityHigh, Mitre: []string{"T1003.002"}},
	ThreatRansomware:         {Name: "RANSOMWARE_DETECTED", Severity: SeverityCritical, Mitre: []string{"T1486"}},

	ThreatLDAPSPNEnumeration:   {Name: "LDAP_SPN_ENUMERATION", Severity: SeverityMedium, Mitre: []string{"T1087.002", "T1558.003"}},
	ThreatLDAPASREPEnumeration: {Name: "LDAP_ASREP_ENUMERATION", Severity: SeverityMedium, Mitre: []string{"T1087.002", "T1558.004"}},
	ThreatLDAPAdminEnumeration: {Name: "LDAP_ADMIN_ENUMERATION", Severity: SeverityMedium, Mitre: []string{"T1069.002"}},
	ThreatLDAPSensitiveAttr:    {Name: "LDAP_SENSITIVE_ATTR_QUERY", Severity: SeverityHigh, Mitre: []string{"T1552"}},
	ThreatLDAPEnumeration:      {Name: "LDAP_ENUMERATION", Severity: SeverityMedium, Mitre: []string{"T1087.002"}},
	ThreatDCSync:               {Name: "DCSYNC_ATTACK", Severity: SeverityCritical, Mitre: []string{"T1003.006"}},

	ThreatContainerEscape:      {Name: "CONTAINER_ESCAPE_ATTEMPT", Severity: SeverityCritical, Mitre: []string{"T1611"}},
	ThreatContainerAPIExposure: {Name: "CONTAINER_API_EXPOSURE", Severity: SeverityHigh, Mitre: []string{"T1613"}},

	ThreatBlacklistedIP:     {Name: "BLACKLISTED_IP", Severity: SeverityHigh},
	ThreatFeedMatch:         {Name: "THREAT_FEED_MATCH", Severity: SeverityHigh},
	ThreatMaliciousDomain:   {Name: "MALICIOUS_DOMAIN", Severity: SeverityHigh, Mitre: []string{"T1071"}},
	ThreatMaliciousFileHash: {Name: "MALICIOUS_FILE_HASH", Severity: SeverityCritical, Mitre: []string{"T1105"}},

	ThreatKillChain: {Name: "KILL_CHAIN_DETECTED", Severity: SeverityCritical},

	ThreatFeedUnavailable:      {Name: "FEED_UNAVAILABLE", Severity: SeverityMedium, Category: CategoryOperational},
	ThreatPipelineBackpressure: {Name: "PIPELINE_BACKPRESSURE", Severity: SeverityHigh, Category: CategoryOperational},
	ThreatIngestQueueOverflow:  {Name: "INGEST_QUEUE_OVERFLOW", Severity: SeverityHigh, Category: CategoryOperational},
	ThreatDetectorFault:        {Name: "DETECTOR_FAULT", Severity: SeverityMedium, Category: CategoryOperational},
	ThreatConfigRejected:       {Name: "CONFIG_REJECTED", Severity: SeverityLow, Category: CategoryOperational},
}

var threatByName = func() map[string]ThreatType {
	m := make(map[string]ThreatType, threatCount)
	for i := ThreatType(0); i < threatCount; i++ {
		m[threatCatalog[i].Name] = i
	}
	return m
}()

// Info returns the catalog entry for t.
func (t ThreatType) Info() ThreatInfo {
	if t < threatCount {
		return threatCatalog[t]
	}
	return threatCatalog[ThreatUnknown]
}

func (t ThreatType) String() string {
	if t < threatCount {
		return threatCatalog[t].Name
	}
	return fmt.Sprintf("ThreatType(%d)", t)
}

// Valid reports whether t is a known, non-UNKNOWN threat type.
func (t ThreatType) Valid() bool {
	return t > ThreatUnknown && t < threatCount
}

// ParseThreatType resolves a threat type name case-insensitively.
func ParseThreatType(name string) (ThreatType, error) {
	t, ok := threatByName[strings.ToUpper(strings.TrimSpace(name))]
	if !ok || t == ThreatUnknown {
		return ThreatUnknown, &ConfigError{Key: "threat_type", Value: name, Reason: "unknown threat type"}
	}
	return t, nil
}

// AllThreatTypes lists every valid threat type in declaration order.
func AllThreatTypes() []ThreatType {
	out := make([]ThreatType, 0, threatCount-1)
	for t := ThreatUnknown + 1; t < threatCount; t++ {
		out = append(out, t)
	}
	return out
}

func (t ThreatType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ThreatType) UnmarshalText(b []byte) error {
	v, err := ParseThreatType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
