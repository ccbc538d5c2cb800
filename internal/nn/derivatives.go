package nn

import (
	"fmt"
	"math"
)

// Derivative evaluates the derivative of the named activation at x.
func Derivative(name string, x float64) (float64, error) {
	deriv, err := GetDerivative(name)
	if err != nil {
		return 0, fmt.Errorf("unsupported derivative: %s", name)
	}
	return deriv(x), nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// softplus is ln(1+e^x), computed without overflow for large x.
func softplus(x float64) float64 {
	if x > 20 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func derivIdentity(float64) float64 {
	return 1
}

func derivReLU(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

func derivTanh(x float64) float64 {
	y := math.Tanh(x)
	return 1 - (y * y)
}

func derivSigmoid(x float64) float64 {
	s := sigmoid(x)
	return s * (1 - s)
}

func derivSiLU(x float64) float64 {
	s := sigmoid(x)
	return s * (1 + x*(1-s))
}

// d/dx x*tanh(sp(x)) = tanh(sp) + x*sech^2(sp)*sigmoid(x)
func derivMish(x float64) float64 {
	t := math.Tanh(softplus(x))
	return t + x*(1-t*t)*sigmoid(x)
}
