package cal0

import (
	"errors"
	"io"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
)

// Validate checks everything that makes a record trustworthy: magic, every
// field checksum and every hash region. It returns nil or a
// *multierror.Error with one entry per finding.
func Validate(r io.ReaderAt) error {
	var errs error
	if _, err := ReadHeader(r); err != nil {
		// Nothing else is meaningful without a header.
		return multierror.Append(errs, err)
	}
	for _, f := range Fields {
		if err := ValidateChecksum(r, f); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, h := range HashRegions {
		if err := VerifyHash(r, h); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// IsFatal reports whether a finding from Validate means the record must not
// be trusted at all, as opposed to being degraded.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBadMagic) || errors.Is(err, ErrHashMismatch) || errors.Is(err, ErrBadSize)
}

// Verify reports whether a record can be trusted: the magic, the client
// certificate and body hashes, and the serial number and certificate
// checksums must all match.
func Verify(r io.ReaderAt) bool {
	if _, err := ReadHeader(r); err != nil {
		glog.Errorf("CAL0 verification: %v", err)
		return false
	}
	for _, h := range []HashRegion{SslCertificate, Body} {
		if err := VerifyHash(r, h); err != nil {
			glog.Errorf("CAL0 verification: %v", err)
			return false
		}
	}
	for _, f := range verifiedFields {
		if err := ValidateChecksum(r, f); err != nil {
			glog.Errorf("CAL0 verification: %v", err)
			return false
		}
	}
	return true
}

// Finalize recomputes every field checksum, then every hash, the body hash
// last.
func Finalize(rw Store) error {
	for _, f := range Fields {
		if err := WriteChecksum(rw, f); err != nil {
			return err
		}
	}
	for _, h := range HashRegions {
		if err := WriteHash(rw, h); err != nil {
			return err
		}
	}
	return nil
}
