package devicetree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertRoot(t *testing.T) {
	tree := New()
	id, err := tree.Insert(nil, DeviceDesc{Name: "acpi"})
	require.NoError(t, err)

	root, ok := tree.Root()
	require.True(t, ok)
	require.Equal(t, id, root)

	node, ok := tree.Get(id)
	require.True(t, ok)
	require.Equal(t, Ready, node.State)
	require.Nil(t, node.Parent)
}

func TestInsertDanglingParentFails(t *testing.T) {
	tree := New()
	dangling := DeviceId{Index: 42, Generation: 0}
	_, err := tree.Insert(&dangling, DeviceDesc{Name: "x"})
	require.Error(t, err)
}

func TestChildLinkage(t *testing.T) {
	tree := New()
	root, err := tree.Insert(nil, DeviceDesc{Name: "acpi"})
	require.NoError(t, err)

	child, err := tree.Insert(&root, DeviceDesc{Name: "pci0"})
	require.NoError(t, err)

	rootNode, ok := tree.Get(root)
	require.True(t, ok)
	require.Contains(t, rootNode.Children, child)

	childNode, ok := tree.Get(child)
	require.True(t, ok)
	require.NotNil(t, childNode.Parent)
	require.Equal(t, root, *childNode.Parent)
}

func TestGetStaleGenerationFails(t *testing.T) {
	tree := New()
	id, err := tree.Insert(nil, DeviceDesc{Name: "acpi"})
	require.NoError(t, err)

	stale := id
	stale.Generation++
	_, ok := tree.Get(stale)
	require.False(t, ok)
}

func TestMountSubtree(t *testing.T) {
	tree := New()
	root, err := tree.Insert(nil, DeviceDesc{Name: "acpi"})
	require.NoError(t, err)

	nodes := []DeviceDescNode{
		{Parent: ParentIsMount, Desc: DeviceDesc{Name: "pci0", Compatible: []string{"pci"}}},
		{Parent: 0, Desc: DeviceDesc{Name: "virtio0", Compatible: []string{"virtio-net"}, IRQ: []uint32{32}}},
	}
	ids, err := tree.MountSubtree(root, nodes)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	pci0, ok := tree.Get(ids[0])
	require.True(t, ok)
	require.Equal(t, root, *pci0.Parent)

	virtio0, ok := tree.Get(ids[1])
	require.True(t, ok)
	require.Equal(t, ids[0], *virtio0.Parent)
}

func TestMountSubtreeForwardReferenceFails(t *testing.T) {
	tree := New()
	root, err := tree.Insert(nil, DeviceDesc{Name: "acpi"})
	require.NoError(t, err)

	nodes := []DeviceDescNode{
		{Parent: 1, Desc: DeviceDesc{Name: "a"}},
		{Parent: ParentIsMount, Desc: DeviceDesc{Name: "b"}},
	}
	_, err = tree.MountSubtree(root, nodes)
	require.Error(t, err)
}

func TestBFSFromOrder(t *testing.T) {
	tree := New()
	root, err := tree.Insert(nil, DeviceDesc{Name: "acpi"})
	require.NoError(t, err)
	a, err := tree.Insert(&root, DeviceDesc{Name: "a"})
	require.NoError(t, err)
	b, err := tree.Insert(&root, DeviceDesc{Name: "b"})
	require.NoError(t, err)
	c, err := tree.Insert(&a, DeviceDesc{Name: "c"})
	require.NoError(t, err)

	order, err := tree.BFSFrom(root)
	require.NoError(t, err)
	require.Equal(t, []DeviceId{root, a, b, c}, order)
}

func TestFindByName(t *testing.T) {
	tree := New()
	root, err := tree.Insert(nil, DeviceDesc{Name: "acpi"})
	require.NoError(t, err)
	_, err = tree.Insert(&root, DeviceDesc{Name: "pci0"})
	require.NoError(t, err)

	id, ok := tree.FindByName(root, "pci0")
	require.True(t, ok)
	node, _ := tree.Get(id)
	require.Equal(t, "pci0", node.Desc.Name)

	_, ok = tree.FindByName(root, "nope")
	require.False(t, ok)
}
