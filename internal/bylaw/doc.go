// Package bylaw defines the domain records, pipeline interfaces and error
// taxonomy shared by the capture, preservation, versioning and extraction
// subsystems.
package bylaw
