// Package types defines the entity records, change-queue entries, store and
// queue interfaces, remote service contract, configuration and standard
// errors shared by every fieldsync component.
package types
