package vm

import "testing"

func TestOpcodeTableComplete(t *testing.T) {
	for _, op := range Opcodes() {
		info := op.Info()
		if info.Name == "" || info.Doc == "" {
			t.Errorf("opcode 0x%02x has incomplete metadata: %+v", byte(op), info)
		}
		got, ok := LookupOpcode(info.Name)
		if !ok || got != op {
			t.Errorf("LookupOpcode(%s) = %v, %v", info.Name, got, ok)
		}
	}
	if n := len(Opcodes()); n != 27 {
		t.Errorf("len(Opcodes()) = %d, want 27", n)
	}
}

func TestLookupOpcodeAliases(t *testing.T) {
	tests := map[string]Opcode{
		"integer_load":  OpLoad,
		"INTEGER_STORE": OpStore,
		"fun_call":      OpCall,
		"Jump_Ge":       OpJumpGE,
	}
	for name, want := range tests {
		got, ok := LookupOpcode(name)
		if !ok || got != want {
			t.Errorf("LookupOpcode(%q) = %v, %v; want %v", name, got, ok, want)
		}
	}
	if _, ok := LookupOpcode("HALT"); ok {
		t.Errorf("HALT should not resolve")
	}
}

func TestOpcodeClassification(t *testing.T) {
	if OpCmp.IsJump() || OpLabel.IsJump() {
		t.Errorf("CMP and LABEL are not jumps")
	}
	if !OpJump.IsJump() || OpJump.IsConditionalJump() {
		t.Errorf("JUMP is an unconditional jump")
	}
	if !OpJumpLE.IsJump() || !OpJumpLE.IsConditionalJump() {
		t.Errorf("JUMP_LE is a conditional jump")
	}
	if Opcode(0xFF).Valid() || Opcode(0xFF).Name() != "UNKNOWN_FF" {
		t.Errorf("0xFF should be unknown")
	}
}

func TestBuilderFunBegin(t *testing.T) {
	prog := NewBuilder().FunBegin("f", Array("xs"), Int("n")).FunEnd().Build()
	if got := prog[0].String(); got != "FUN_BEGIN f array xs integer n" {
		t.Errorf("String() = %q", got)
	}
	if prog[1].String() != "FUN_END" {
		t.Errorf("String() = %q", prog[1].String())
	}
	if _, err := ParseParamKind("float"); err == nil {
		t.Errorf("ParseParamKind(float) should fail")
	}
}
