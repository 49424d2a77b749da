// Package fhe wraps lattigo's CKKS scheme into the context, encrypt and
// decrypt operations used by both sides of an inference.
package fhe

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// ParamsLiteral describes a CKKS parameter set.
type ParamsLiteral struct {
	LogN            int   `yaml:"log_n" validate:"min=10,max=16"`
	LogQ            []int `yaml:"log_q" validate:"min=2,dive,min=20,max=61"`
	LogP            []int `yaml:"log_p" validate:"min=1,dive,min=20,max=61"`
	LogDefaultScale int   `yaml:"log_default_scale" validate:"min=20,max=60"`
}

// DefaultParams is N=8192 with a 60/40/40/60 modulus chain and scale 2^40.
// One rescale is consumed per inference so two levels remain spare.
func DefaultParams() ParamsLiteral {
	return ParamsLiteral{
		LogN:            13,
		LogQ:            []int{60, 40, 40, 60},
		LogP:            []int{61},
		LogDefaultScale: 40,
	}
}

// Build turns the literal into lattigo parameters.
func (l ParamsLiteral) Build() (ckks.Parameters, error) {
	params, err := ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            l.LogN,
		LogQ:            l.LogQ,
		LogP:            l.LogP,
		LogDefaultScale: l.LogDefaultScale,
	})
	if err != nil {
		return ckks.Parameters{}, fmt.Errorf("ckks parameters: %w", err)
	}
	return params, nil
}
