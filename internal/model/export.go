package model

import (
	"fmt"
	"strconv"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"seir/internal/callback"
)

const modelType = "seir-net"

// Export writes the parameters to callback.SnapshotPath(prefix, epoch).
func (n *Net) Export(prefix string, epoch int) (string, error) {
	path := callback.SnapshotPath(prefix, epoch)
	meta := map[string]string{"epoch": strconv.Itoa(epoch)}
	if err := nn.Save[*Backend](paramModule{n}, path, modelType, meta); err != nil {
		return "", fmt.Errorf("export %s: %w", path, err)
	}
	return path, nil
}

// Import loads parameters written by Export and marks the network
// initialized. The network must have been built with the same Config.
func (n *Net) Import(path string) error {
	if _, err := nn.Load[*Backend](path, n.backend, paramModule{n}); err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	n.startRecording()
	return nil
}

// paramModule exposes the named parameters through the module interface the
// born serializer expects.
type paramModule struct {
	net *Net
}

// Forward is the identity; the module is only used for serialization.
func (m paramModule) Forward(x *tensor.Tensor[float32, *Backend]) *tensor.Tensor[float32, *Backend] {
	return x
}

func (m paramModule) Parameters() []*nn.Parameter[*Backend] {
	out := make([]*nn.Parameter[*Backend], len(m.net.params))
	for i, np := range m.net.params {
		out[i] = np.param
	}
	return out
}

func (m paramModule) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor, len(m.net.params))
	for _, np := range m.net.params {
		state[np.name] = np.param.Tensor().Raw()
	}
	return state
}

func (m paramModule) LoadStateDict(state map[string]*tensor.RawTensor) error {
	for _, np := range m.net.params {
		raw, ok := state[np.name]
		if !ok {
			return fmt.Errorf("missing %s in state dict", np.name)
		}
		t := np.param.Tensor()
		if !raw.Shape().Equal(t.Shape()) {
			return fmt.Errorf("%s shape mismatch: expected %v, got %v", np.name, t.Shape(), raw.Shape())
		}
		if raw.DType() != tensor.Float32 {
			return fmt.Errorf("%s dtype mismatch: expected float32, got %v", np.name, raw.DType())
		}
		copy(t.Data(), raw.AsFloat32())
	}
	return nil
}
