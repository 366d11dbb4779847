// Package signing handles HTTP signature creation and verification for
// federation requests.
package signing

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingSignature = errors.New("request carries no signature")
	ErrSignatureInvalid = errors.New("signature verification failed")
	ErrDateSkew         = errors.New("date header outside accepted window")
)

// DateSkew is the maximum accepted difference between the request Date header
// and local time, in either direction.
const DateSkew = 30 * time.Second

var (
	prefs       = []httpsig.Algorithm{httpsig.RSA_SHA256}
	GetHeaders  = []string{httpsig.RequestTarget, "host", "date"}
	PostHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}
)

func NewGetSigner() (httpsig.Signer, error) {
	signer, _, err := httpsig.NewSigner(prefs, httpsig.DigestSha256, GetHeaders, httpsig.Signature, 3600)
	return signer, err
}

func NewPostSigner() (httpsig.Signer, error) {
	signer, _, err := httpsig.NewSigner(prefs, httpsig.DigestSha256, PostHeaders, httpsig.Signature, 3600)
	return signer, err
}

// KeySource resolves signature key ids to public keys. ResolveKey may serve
// from storage; RefreshKey must bypass any cache and fetch the owner again,
// which is what makes key rotation work without out of band coordination.
type KeySource interface {
	ResolveKey(ctx context.Context, keyId *url.URL) (key crypto.PublicKey, ownerFid string, err error)
	RefreshKey(ctx context.Context, keyId *url.URL) (key crypto.PublicKey, ownerFid string, err error)
}

// Verify checks the HTTP signature on r and returns the fid of the actor that
// signed it. When verification fails against a stored key, the key is
// refetched once and verification retried, so rotated keys heal on their own.
func Verify(ctx context.Context, r *http.Request, keys KeySource) (string, error) {
	if r.Header.Get("Signature") == "" && r.Header.Get("Authorization") == "" {
		return "", ErrMissingSignature
	}

	if err := checkDate(r); err != nil {
		return "", err
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrSignatureInvalid, err)
	}

	keyId, err := url.Parse(verifier.KeyId())
	if err != nil {
		return "", fmt.Errorf("unable to parse keyId %q: %w", verifier.KeyId(), err)
	}

	key, ownerFid, err := keys.ResolveKey(ctx, keyId)
	if err != nil {
		return "", err
	}

	if err = verifier.Verify(key, httpsig.RSA_SHA256); err == nil {
		return ownerFid, nil
	}

	log.Debug().
		Str("keyId", keyId.String()).
		Msg("verification failed with stored key, refetching owner")

	key, ownerFid, err = keys.RefreshKey(ctx, keyId)
	if err != nil {
		return "", err
	}
	if err = verifier.Verify(key, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %s", ErrSignatureInvalid, err)
	}
	return ownerFid, nil
}

func checkDate(r *http.Request) error {
	raw := r.Header.Get("Date")
	if raw == "" {
		return fmt.Errorf("%w: no date header", ErrDateSkew)
	}

	date, err := http.ParseTime(raw)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDateSkew, err)
	}

	if delta := time.Since(date); delta > DateSkew || delta < -DateSkew {
		return fmt.Errorf("%w: %s", ErrDateSkew, raw)
	}
	return nil
}
