// Package deployer uploads a built package as the new code of a Lambda function.
//
// Packages up to the direct upload limit are sent inline with UpdateFunctionCode;
// larger ones go through S3 when a bucket is configured. The code checksum
// reported by Lambda is compared with the local archive before success is
// reported, and the caller may block until Lambda finishes applying the update.
package deployer
