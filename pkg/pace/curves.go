package pace

import (
	"crypto/elliptic"
	"fmt"
	"io"
	"math/big"

	"github.com/osanderson/brainpool"
	"github.com/pkg/errors"
)

// Standardized domain parameters (ICAO 9303-11 §9.5.1). IDs 0-2 are the MODP groups
// of StandardGroup; 8 is P-192, which is not supported.
var standardCurves = map[int]func() elliptic.Curve{
	9:  brainpool.P192r1,
	10: elliptic.P224,
	11: brainpool.P224r1,
	12: elliptic.P256,
	13: brainpool.P256r1,
	14: brainpool.P320r1,
	15: elliptic.P384,
	16: brainpool.P384r1,
	17: brainpool.P512r1,
	18: elliptic.P521,
}

// StandardCurve returns the curve of a standardized domain parameter ID.
func StandardCurve(id int) (elliptic.Curve, error) {
	curve, ok := standardCurves[id]
	if !ok {
		return nil, fmt.Errorf("unsupported standardized domain parameters %d", id)
	}
	return curve(), nil
}

// ecGroup runs the key agreements of PACE-ECDH on a curve. Elements are uncompressed
// points.
type ecGroup struct {
	curve elliptic.Curve
}

// point is an affine point. The point at infinity is (0, 0), as in crypto/elliptic.
type point struct {
	x, y *big.Int
}

func (p point) isInfinity() bool {
	return p.x.Sign() == 0 && p.y.Sign() == 0
}

func (g ecGroup) publicKeyTag() string { return tagECPoint }

func (g ecGroup) generator() []byte {
	cp := g.curve.Params()
	return elliptic.Marshal(g.curve, cp.Gx, cp.Gy)
}

func (g ecGroup) generateKey(rand io.Reader, generator []byte) ([]byte, []byte, error) {
	base, err := g.decode(generator)
	if err != nil {
		return nil, nil, err
	}
	priv, _, _, err := elliptic.GenerateKey(g.curve, rand)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate key pair")
	}
	x, y := g.curve.ScalarMult(base.x, base.y, priv)
	return priv, elliptic.Marshal(g.curve, x, y), nil
}

func (g ecGroup) agree(priv, peer []byte) ([]byte, error) {
	p, err := g.decode(peer)
	if err != nil {
		return nil, err
	}
	x, y := g.curve.ScalarMult(p.x, p.y, priv)
	shared := point{x, y}
	if shared.isInfinity() {
		return nil, errors.New("shared point is the point at infinity")
	}
	return elliptic.Marshal(g.curve, x, y), nil
}

// mapGenerator computes Ĝ = s·G + H of the generic mapping.
func (g ecGroup) mapGenerator(nonce, shared []byte) ([]byte, error) {
	h, err := g.decode(shared)
	if err != nil {
		return nil, err
	}
	sx, sy := g.curve.ScalarBaseMult(nonce)
	x, y := g.curve.Add(sx, sy, h.x, h.y)
	if (point{x, y}).isInfinity() {
		return nil, errors.New("mapped generator is the point at infinity")
	}
	return elliptic.Marshal(g.curve, x, y), nil
}

// secret returns the x coordinate of the shared point with the length of the field.
func (g ecGroup) secret(shared []byte) ([]byte, error) {
	p, err := g.decode(shared)
	if err != nil {
		return nil, err
	}
	size := (g.curve.Params().BitSize + 7) / 8
	return p.x.FillBytes(make([]byte, size)), nil
}

// decode parses an uncompressed point and checks that it lies on the curve.
func (g ecGroup) decode(data []byte) (point, error) {
	x, y := elliptic.Unmarshal(g.curve, data)
	if x == nil {
		return point{}, errors.New("invalid public key point")
	}
	return point{x, y}, nil
}
